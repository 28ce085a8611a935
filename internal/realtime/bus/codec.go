package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
)

const wireVersion = 1

var errBadFrame = errors.New("bad realtime frame")

// frame is the payload every bus carries.
type frame struct {
	V   int                 `json:"v"`
	Msg realtime.SSEMessage `json:"msg"`
}

func encode(msg realtime.SSEMessage) ([]byte, error) {
	if msg.Channel == "" {
		return nil, fmt.Errorf("%w: empty channel", errBadFrame)
	}
	return json.Marshal(frame{V: wireVersion, Msg: msg})
}

func decode(raw []byte) (realtime.SSEMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return realtime.SSEMessage{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if f.V != wireVersion {
		return realtime.SSEMessage{}, fmt.Errorf("%w: version %d", errBadFrame, f.V)
	}
	if f.Msg.Channel == "" || f.Msg.Event == "" {
		return realtime.SSEMessage{}, fmt.Errorf("%w: missing channel or event", errBadFrame)
	}
	return f.Msg, nil
}

// deliver decodes raw and hands it to onMsg, dropping frames it cannot read.
func deliver(log *logger.Logger, raw []byte, onMsg func(realtime.SSEMessage)) {
	msg, err := decode(raw)
	if err != nil {
		log.Warn("Dropping realtime frame", "error", err)
		return
	}
	onMsg(msg)
}
