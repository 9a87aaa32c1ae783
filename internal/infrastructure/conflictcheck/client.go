// Package conflictcheck notifies the medication conflict checker about proposed orders.
package conflictcheck

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
)

// PingRequest is the body of POST /Ping.
type PingRequest struct {
	MedicationRequestReference fhir.Reference `json:"medicationRequestReference"`
}

// PingResponse reports whether the checker resolved a conflict.
type PingResponse struct {
	IfResolvedConflict bool `json:"ifResolvedConflict"`
}

// Client calls the conflict checker.
type Client struct {
	rest   *restclient.Client
	logger *zap.Logger
}

func New(rest *restclient.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rest: rest, logger: logger}
}

// Ping asks the checker to look at a newly proposed MedicationRequest.
func (c *Client) Ping(ctx context.Context, medicationRequest string) (bool, error) {
	var out PingResponse
	_, err := c.rest.Do(ctx, restclient.Request{
		Method: http.MethodPost,
		Path:   "Ping",
		Body:   PingRequest{MedicationRequestReference: fhir.NewReference(medicationRequest)},
	}, &out)
	if err != nil {
		return false, fmt.Errorf("ping conflict checker for %s: %w", medicationRequest, err)
	}
	c.logger.Debug("conflict check answered",
		zap.String("medication_request", medicationRequest),
		zap.Bool("resolved_conflict", out.IfResolvedConflict))
	return out.IfResolvedConflict, nil
}

// Disabled is used when no conflict checker is configured.
type Disabled struct{}

func (Disabled) Ping(context.Context, string) (bool, error) { return false, nil }
