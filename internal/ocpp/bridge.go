// Package ocpp bridges charge points speaking OCPP 1.6 into the hub:
// boot and status notifications become EVSE status updates on this
// system's own locations, published to partners through the resource
// synchronizer.
package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
)

const pushTimeout = 5 * time.Second

// Bridge runs the OCPP central system and mirrors charge-point state
// into the locations module under this system's own party identity.
type Bridge struct {
	server            ocpp16.CentralSystem
	sync              *syncer.Synchronizer
	owner             ocpi.PartyID
	port              int
	path              string
	heartbeatInterval int
}

// NewBridge creates the central system.
func NewBridge(s *syncer.Synchronizer, owner ocpi.PartyID, port int, path string, heartbeatInterval int) *Bridge {
	b := &Bridge{
		server:            ocpp16.NewCentralSystem(nil, nil),
		sync:              s,
		owner:             owner,
		port:              port,
		path:              path,
		heartbeatInterval: heartbeatInterval,
	}
	b.server.SetCoreHandler(&coreHandler{bridge: b})
	b.server.SetNewChargePointHandler(b.handleConnected)
	b.server.SetChargePointDisconnectedHandler(b.handleDisconnected)
	return b
}

// Start starts the OCPP listener. Blocks until the listener stops.
func (b *Bridge) Start() {
	logrus.Infof("Starting OCPP central system on port %d with path %s", b.port, b.path)
	b.server.Start(b.port, b.path)
}

func (b *Bridge) handleConnected(cp ocpp16.ChargePointConnection) {
	logrus.WithField("chargePointID", cp.ID()).Info("Charge point connected")
}

func (b *Bridge) handleDisconnected(cp ocpp16.ChargePointConnection) {
	logrus.WithField("chargePointID", cp.ID()).Info("Charge point disconnected")
	b.pushEVSEStatus(cp.ID(), 0, "INOPERATIVE")
}

// location is the minimal locations payload the bridge maintains for
// each charge point. Partners see the full schema from the per-version
// codecs; the bridge only owns identity and EVSE status.
type location struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	EVSEs       []evse    `json:"evses,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

type evse struct {
	UID         string    `json:"uid"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
}

// pushEVSEStatus merges one EVSE status into the charge point's
// location and pushes it. Connector 0 means the whole charge point.
func (b *Bridge) pushEVSEStatus(chargePointID string, connectorID int, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	now := time.Now().UTC()
	loc := location{ID: chargePointID, LastUpdated: now}

	if cur, err := b.sync.Get(ctx, b.owner, ocpi.ModuleLocations, chargePointID); err == nil && !cur.Deleted {
		_ = json.Unmarshal(cur.Payload, &loc)
		loc.LastUpdated = now
	}

	if connectorID == 0 {
		for i := range loc.EVSEs {
			loc.EVSEs[i].Status = status
			loc.EVSEs[i].LastUpdated = now
		}
	} else {
		uid := fmt.Sprintf("%s*%d", chargePointID, connectorID)
		found := false
		for i := range loc.EVSEs {
			if loc.EVSEs[i].UID == uid {
				loc.EVSEs[i].Status = status
				loc.EVSEs[i].LastUpdated = now
				found = true
				break
			}
		}
		if !found {
			loc.EVSEs = append(loc.EVSEs, evse{UID: uid, Status: status, LastUpdated: now})
		}
	}

	payload, err := json.Marshal(loc)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode location")
		return
	}
	err = b.sync.Push(ctx, &ocpi.Envelope{
		ID:          chargePointID,
		Owner:       b.owner,
		Module:      ocpi.ModuleLocations,
		LastUpdated: now,
		Payload:     payload,
	})
	if err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).
			Error("Failed to push EVSE status")
	}
}

// evseStatus maps an OCPP charge point status onto the published EVSE
// status vocabulary.
func evseStatus(s core.ChargePointStatus) string {
	switch s {
	case core.ChargePointStatusAvailable:
		return "AVAILABLE"
	case core.ChargePointStatusPreparing, core.ChargePointStatusFinishing:
		return "BLOCKED"
	case core.ChargePointStatusCharging,
		core.ChargePointStatusSuspendedEV,
		core.ChargePointStatusSuspendedEVSE:
		return "CHARGING"
	case core.ChargePointStatusReserved:
		return "RESERVED"
	case core.ChargePointStatusUnavailable, core.ChargePointStatusFaulted:
		return "INOPERATIVE"
	}
	return "UNKNOWN"
}

// coreHandler implements the OCPP core profile callbacks.
type coreHandler struct {
	bridge *Bridge
}

// OnBootNotification registers the charge point as a location.
func (h *coreHandler) OnBootNotification(chargePointID string, request *core.BootNotificationRequest) (*core.BootNotificationConfirmation, error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"vendor":        request.ChargePointVendor,
		"model":         request.ChargePointModel,
	}).Info("Boot notification received")

	h.bridge.pushEVSEStatus(chargePointID, 0, "AVAILABLE")

	return core.NewBootNotificationConfirmation(
		types.NewDateTime(time.Now()),
		h.bridge.heartbeatInterval,
		core.RegistrationStatusAccepted,
	), nil
}

// OnHeartbeat acknowledges the heartbeat.
func (h *coreHandler) OnHeartbeat(chargePointID string, request *core.HeartbeatRequest) (*core.HeartbeatConfirmation, error) {
	logrus.WithField("chargePointID", chargePointID).Debug("Heartbeat received")
	return core.NewHeartbeatConfirmation(types.NewDateTime(time.Now())), nil
}

// OnStatusNotification mirrors the connector status to partners.
func (h *coreHandler) OnStatusNotification(chargePointID string, request *core.StatusNotificationRequest) (*core.StatusNotificationConfirmation, error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
		"status":        request.Status,
	}).Info("Status notification received")

	h.bridge.pushEVSEStatus(chargePointID, request.ConnectorId, evseStatus(request.Status))

	return core.NewStatusNotificationConfirmation(), nil
}

// OnAuthorize accepts every tag; driver authorization is delegated to
// the tokens module synchronized from EMSPs.
func (h *coreHandler) OnAuthorize(chargePointID string, request *core.AuthorizeRequest) (*core.AuthorizeConfirmation, error) {
	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

// OnDataTransfer rejects vendor-specific transfers.
func (h *coreHandler) OnDataTransfer(chargePointID string, request *core.DataTransferRequest) (*core.DataTransferConfirmation, error) {
	return core.NewDataTransferConfirmation(core.DataTransferStatusRejected), nil
}

// OnMeterValues acknowledges meter values without recording them.
func (h *coreHandler) OnMeterValues(chargePointID string, request *core.MeterValuesRequest) (*core.MeterValuesConfirmation, error) {
	return core.NewMeterValuesConfirmation(), nil
}

// OnStartTransaction opens a session under this system's identity.
func (h *coreHandler) OnStartTransaction(chargePointID string, request *core.StartTransactionRequest) (*core.StartTransactionConfirmation, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	payload, _ := json.Marshal(map[string]interface{}{
		"id":           id,
		"status":       "ACTIVE",
		"location_id":  chargePointID,
		"auth_id":      request.IdTag,
		"kwh":          0.0,
		"start_date":   now,
		"last_updated": now,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := h.bridge.sync.Push(ctx, &ocpi.Envelope{
		ID:          id,
		Owner:       h.bridge.owner,
		Module:      ocpi.ModuleSessions,
		LastUpdated: now,
		Payload:     payload,
	}); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to push session")
	}
	return core.NewStartTransactionConfirmation(
		types.NewIdTagInfo(types.AuthorizationStatusAccepted),
		int(now.Unix()),
	), nil
}

// OnStopTransaction completes the session.
func (h *coreHandler) OnStopTransaction(chargePointID string, request *core.StopTransactionRequest) (*core.StopTransactionConfirmation, error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"transactionId": request.TransactionId,
	}).Info("Transaction stopped")
	return core.NewStopTransactionConfirmation(), nil
}
