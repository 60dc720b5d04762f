package dispatch

import (
	"encoding/json"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
)

// ControlRouter hands a decoded control message to the control registry.
type ControlRouter interface {
	SendToEntity(msg message.ControlMessage)
}

// EntityRouter routes an arbitrary App message to the entity registered
// for entity_id.
type EntityRouter interface {
	SendGeneric(entityID string, msg any)
}

// CenterDispatcher decodes frames from the center-bus router and routes
// App-destined messages either to the control registry (Subject=Control)
// or to the entity registered for their entity id.
type CenterDispatcher struct {
	control  ControlRouter
	entities EntityRouter
}

// NewCenterDispatcher builds a center dispatcher.
func NewCenterDispatcher(control ControlRouter, entities EntityRouter) *CenterDispatcher {
	return &CenterDispatcher{control: control, entities: entities}
}

// Dispatch implements router.Dispatcher.
func (d *CenterDispatcher) Dispatch(frame message.RawFrame) {
	var payload message.CenterPayload
	if err := json.Unmarshal(frame.Body, &payload); err != nil {
		logx.Logger.Warn().Err(err).Msg("center dispatcher: decode failed, dropping frame")
		return
	}

	switch payload.Dest {
	case message.DestApp:
		if payload.Subject == message.SubjectControl {
			raw, err := json.Marshal(payload.Data)
			if err != nil {
				logx.Logger.Warn().Err(err).Msg("center dispatcher: re-encode control data failed")
				return
			}
			var ctl message.ControlMessage
			if err := json.Unmarshal(raw, &ctl); err != nil {
				logx.Logger.Warn().Err(err).Msg("center dispatcher: decode control message failed")
				return
			}
			d.control.SendToEntity(ctl)
			return
		}
		d.entities.SendGeneric(payload.EntityID, payload)
	case message.DestCenter:
		logx.Logger.Warn().Msg("center dispatcher: inbound frame addressed to Center, dropping")
	default:
		logx.Logger.Warn().Str("dest", string(payload.Dest)).
			Msg("center dispatcher: unknown destination, dropping")
	}
}
