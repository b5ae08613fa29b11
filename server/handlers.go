package server

import (
	"context"
	"errors"

	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/dotside-studios/handheld-agent/protocol"
	"github.com/rs/zerolog"
)

// payloadError marks a request whose payload could not be decoded or
// validated before it reached the facade.
type payloadError struct{ err error }

func (e payloadError) Error() string { return e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func badPayload(err error) error { return payloadError{err: err} }

// HandheldHandler maps control requests onto a handheld.Service and
// broadcasts its events.
type HandheldHandler struct {
	svc      *handheld.Service
	sessions *SessionManager
	log      zerolog.Logger
}

// NewHandheldHandler creates the handler for svc.
func NewHandheldHandler(svc *handheld.Service, sessions *SessionManager, logger zerolog.Logger) *HandheldHandler {
	return &HandheldHandler{svc: svc, sessions: sessions, log: logger}
}

// Register implements ServerHandler.
func (h *HandheldHandler) Register(server HandlerServer) {
	commands := map[string]func(protocol.WebSocketRequest) error{
		protocol.WSTypeSelectBackend:      h.selectBackend,
		protocol.WSTypeFindDevices:        func(protocol.WebSocketRequest) error { return h.svc.FindDevices() },
		protocol.WSTypeStopFindingDevices: func(protocol.WebSocketRequest) error { return h.svc.StopFindingDevices() },
		protocol.WSTypeConnect:            h.connect,
		protocol.WSTypeDisconnect:         func(protocol.WebSocketRequest) error { return h.svc.DisconnectReader() },
		protocol.WSTypeSetMode:            h.setMode,
		protocol.WSTypeSetPower:           h.setPower,
		protocol.WSTypeSetTagFocus:        h.setTagFocus,
		protocol.WSTypeSetTagPopulation:   h.setTagPopulation,
		protocol.WSTypeSetPrefixFilter:    h.setPrefixFilter,
		protocol.WSTypeSetTrigger:         h.setTrigger,
		protocol.WSTypeStartReading:       func(protocol.WebSocketRequest) error { return h.svc.StartReading() },
		protocol.WSTypeStopReading:        func(protocol.WebSocketRequest) error { return h.svc.StopReading() },
		protocol.WSTypeAccessRead:         h.accessRead,
		protocol.WSTypeAccessWrite:        h.accessWrite,
	}
	for typ, fn := range commands {
		if err := server.Handle(typ, h.command(fn)); err != nil {
			h.log.Error().Err(err).Str("type", typ).Msg("Failed to register handler")
		}
	}
	if err := server.Handle(protocol.WSTypeStatus, h.status); err != nil {
		h.log.Error().Err(err).Msg("Failed to register status handler")
	}

	server.StartLifecycle(func(ctx context.Context) {
		sub := handheld.NewEventHandler(func(ev handheld.Event) {
			server.Broadcast(protocol.FromEvent(ev))
		})
		if err := h.svc.AddSubscriber(sub); err != nil {
			h.log.Error().Err(err).Msg("Failed to subscribe to handheld events")
			return
		}
		go func() {
			<-ctx.Done()
			h.svc.RemoveSubscriber(sub)
		}()
	})
}

// command wraps a facade call: the client must hold the control lease, and
// the outcome is answered with a response of the matching type.
func (h *HandheldHandler) command(fn func(protocol.WebSocketRequest) error) HandlerFunc {
	return func(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
		if !h.sessions.Acquire(client.ID) {
			return sendError(client, req, protocol.ErrCodeNotController, "another client controls the reader", 0)
		}
		if err := fn(req); err != nil {
			return h.reject(client, req, err)
		}
		return client.Send(protocol.WebSocketResponse{
			ID:      req.ID,
			Type:    protocol.ResponseType(req.Type),
			Success: true,
		})
	}
}

func (h *HandheldHandler) reject(client *Client, req protocol.WebSocketRequest, err error) error {
	h.log.Warn().Err(err).Str("type", req.Type).Str("client", client.shortID()).Msg("Request rejected")

	var pErr payloadError
	if errors.As(err, &pErr) {
		return sendError(client, req, protocol.ErrCodeInvalidPayload, err.Error(), 0)
	}
	return sendError(client, req, protocol.ErrCodeRejected, err.Error(), int(handheld.GetErrorCode(err)))
}

func sendError(client *Client, req protocol.WebSocketRequest, code, message string, reason int) error {
	return client.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResponseType(req.Type),
		Success: false,
		Error:   message,
		Payload: protocol.ErrorPayload{Code: code, Reason: reason},
	})
}

func (h *HandheldHandler) status(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	return client.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResponseType(req.Type),
		Success: true,
		Payload: protocol.FromStatus(h.svc.Status()),
	})
}

func (h *HandheldHandler) selectBackend(req protocol.WebSocketRequest) error {
	var p protocol.SelectBackendRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	kind, err := handheld.ParseBackendKind(p.Backend)
	if err != nil {
		return badPayload(err)
	}
	return h.svc.SelectBackend(kind)
}

func (h *HandheldHandler) connect(req protocol.WebSocketRequest) error {
	var p protocol.ConnectRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	if p.Name == "" {
		return badPayload(errors.New("device name is required"))
	}
	return h.svc.ConnectToHandheld(p.Name)
}

func (h *HandheldHandler) setMode(req protocol.WebSocketRequest) error {
	var p protocol.SetModeRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	mode, err := handheld.ParseReaderMode(p.Mode)
	if err != nil {
		return badPayload(err)
	}
	return h.svc.SetReaderMode(mode)
}

func (h *HandheldHandler) setPower(req protocol.WebSocketRequest) error {
	var p protocol.SetPowerRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	return h.svc.SetReaderPower(p.Tenths)
}

func (h *HandheldHandler) setTagFocus(req protocol.WebSocketRequest) error {
	var p protocol.SetTagFocusRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	return h.svc.SetTagFocus(p.Enabled)
}

func (h *HandheldHandler) setTagPopulation(req protocol.WebSocketRequest) error {
	var p protocol.SetTagPopulationRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	return h.svc.SetTagPopulation(p.Population)
}

func (h *HandheldHandler) setPrefixFilter(req protocol.WebSocketRequest) error {
	var p protocol.SetPrefixFilterRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	prefix, err := protocol.NormalizePrefix(p.Prefix)
	if err != nil {
		return badPayload(err)
	}
	return h.svc.SetPrefixFilter(prefix)
}

func (h *HandheldHandler) setTrigger(req protocol.WebSocketRequest) error {
	var p protocol.SetTriggerRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	h.svc.SetTriggerEnabled(p.Enabled)
	return nil
}

func (h *HandheldHandler) accessRead(req protocol.WebSocketRequest) error {
	var p protocol.AccessReadRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	epc, err := protocol.NormalizeEPC(p.EPC)
	if err != nil {
		return badPayload(err)
	}
	return h.svc.StartAccessRead(epc)
}

func (h *HandheldHandler) accessWrite(req protocol.WebSocketRequest) error {
	var p protocol.AccessWriteRequest
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return badPayload(err)
	}
	epc, err := protocol.NormalizeEPC(p.EPC)
	if err != nil {
		return badPayload(err)
	}
	newEPC, err := protocol.NormalizeEPC(p.NewEPC)
	if err != nil {
		return badPayload(err)
	}
	return h.svc.StartAccessWrite(epc, newEPC)
}
