// Package decisionengine is the REST gateway to the decision engine's pathway (prsapi) and enactment (dreapi) services.
package decisionengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
)

const (
	prsAPI = "prsapi"
	dreAPI = "dreapi"

	// HeaderAPIKey carries the tenant key on every call.
	HeaderAPIKey = "x-apikey"
	// HeaderSession binds a call to one enactment's session.
	HeaderSession = "x-dresessionid"
)

// Client calls the decision engine.
type Client struct {
	rest   *restclient.Client
	logger *zap.Logger
}

// New creates a client. The rest client must carry the tenant base URL and the x-apikey header.
func New(rest *restclient.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rest: rest, logger: logger}
}

func session(id string) http.Header {
	return http.Header{HeaderSession: {id}}
}

// Enactments lists every enactment visible to the tenant.
func (c *Client) Enactments(ctx context.Context) ([]pathway.Enactment, error) {
	var out []pathway.Enactment
	if err := c.rest.Get(ctx, prsAPI+"/Enactments", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list enactments: %w", err)
	}
	return out, nil
}

// EnactmentsByPatient lists the patient's enactments.
func (c *Client) EnactmentsByPatient(ctx context.Context, patient string) ([]pathway.Enactment, error) {
	var out []pathway.Enactment
	if err := c.rest.Get(ctx, prsAPI+"/EnactmentsExtended", url.Values{"groupid": {patient}}, nil, &out); err != nil {
		return nil, fmt.Errorf("list enactments for %s: %w", patient, err)
	}
	return out, nil
}

// EnactmentByID lists the enactments with this id (zero or one).
func (c *Client) EnactmentByID(ctx context.Context, id string) ([]pathway.Enactment, error) {
	var out []pathway.Enactment
	if err := c.rest.Get(ctx, prsAPI+"/EnactmentsExtended", url.Values{"id": {id}}, nil, &out); err != nil {
		return nil, fmt.Errorf("get enactment %s: %w", id, err)
	}
	return out, nil
}

// Pathways lists published pathways, optionally including temporary ones.
func (c *Client) Pathways(ctx context.Context, temp bool) ([]pathway.Pathway, error) {
	var out []pathway.Pathway
	if err := c.rest.Get(ctx, prsAPI+"/Pathways", url.Values{"temp": {strconv.FormatBool(temp)}}, nil, &out); err != nil {
		return nil, fmt.Errorf("list pathways: %w", err)
	}
	return out, nil
}

// PathwaysByName lists pathways with this name.
func (c *Client) PathwaysByName(ctx context.Context, name string) ([]pathway.Pathway, error) {
	var out []pathway.Pathway
	if err := c.rest.Get(ctx, prsAPI+"/Pathways", url.Values{"name": {name}}, nil, &out); err != nil {
		return nil, fmt.Errorf("find pathway %s: %w", name, err)
	}
	return out, nil
}

// Enact starts pathwayID for the patient. The returned session is bound to the new enactment.
func (c *Client) Enact(ctx context.Context, pathwayID, patient string) (*pathway.EnactResult, error) {
	var out pathway.EnactResult
	_, err := c.rest.Do(ctx, restclient.Request{
		Method: http.MethodPost,
		Path:   dreAPI + "/Enact",
		Body:   pathway.EnactRequest{PathwayID: pathwayID, PatientID: patient},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("enact %s for %s: %w", pathwayID, patient, err)
	}
	if out.EnactmentID == "" {
		return nil, fmt.Errorf("enact %s for %s: empty enactment id", pathwayID, patient)
	}
	return &out, nil
}

// Connect opens a session on an enactment.
func (c *Client) Connect(ctx context.Context, enactmentID string) (string, error) {
	var out pathway.ConnectResult
	if err := c.rest.Get(ctx, dreAPI+"/Connect", url.Values{"enactmentid": {enactmentID}}, nil, &out); err != nil {
		return "", fmt.Errorf("connect %s: %w", enactmentID, err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("connect %s: empty session", enactmentID)
	}
	return out.SessionID, nil
}

// OpenTasks lists every in-progress task of the session's enactment, flattened and with metaprops.
func (c *Client) OpenTasks(ctx context.Context, sessionID string) ([]pathway.PlanTask, error) {
	q := url.Values{
		"state":     {pathway.StateInProgress},
		"root":      {"true"},
		"recursive": {"true"},
		"flat":      {"true"},
		"metaprops": {"true"},
	}
	var out []pathway.PlanTask
	if err := c.rest.Get(ctx, dreAPI+"/PlanTasks", q, session(sessionID), &out); err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	return out, nil
}

// OpenTasksUnder lists in-progress tasks in the subtree rooted at the named task.
func (c *Client) OpenTasksUnder(ctx context.Context, sessionID, name string) ([]pathway.PlanTask, error) {
	q := url.Values{
		"state":     {pathway.StateInProgress},
		"name":      {name},
		"recursive": {"true"},
		"flat":      {"true"},
		"metaprops": {"true"},
	}
	var out []pathway.PlanTask
	if err := c.rest.Get(ctx, dreAPI+"/PlanTasks", q, session(sessionID), &out); err != nil {
		return nil, fmt.Errorf("list open tasks under %s: %w", name, err)
	}
	return out, nil
}

// ItemData lists the data items of an enquiry task.
func (c *Client) ItemData(ctx context.Context, sessionID, enquiry string) ([]pathway.ItemData, error) {
	q := url.Values{"enquiryname": {enquiry}, "metaprops": {"true"}}
	var out []pathway.ItemData
	if err := c.rest.Get(ctx, dreAPI+"/Data", q, session(sessionID), &out); err != nil {
		return nil, fmt.Errorf("list data for %s: %w", enquiry, err)
	}
	return out, nil
}

// WriteDataValues writes a batch of item values.
func (c *Client) WriteDataValues(ctx context.Context, sessionID string, values []pathway.DataValue) ([]pathway.DataValueOutput, error) {
	var out []pathway.DataValueOutput
	_, err := c.rest.Do(ctx, restclient.Request{
		Method: http.MethodPut,
		Path:   dreAPI + "/DataValue",
		Header: session(sessionID),
		Body:   values,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("write %d data values: %w", len(values), err)
	}
	return out, nil
}

// QueryConfirmTask asks whether the named task may be confirmed.
func (c *Client) QueryConfirmTask(ctx context.Context, sessionID, name string) (*pathway.QueryConfirmTask, error) {
	var out pathway.QueryConfirmTask
	if err := c.rest.Get(ctx, dreAPI+"/QueryConfirmTask", url.Values{"name": {name}}, session(sessionID), &out); err != nil {
		return nil, fmt.Errorf("query confirm %s: %w", name, err)
	}
	return &out, nil
}

// ConfirmTask confirms the named task and returns its resulting state.
func (c *Client) ConfirmTask(ctx context.Context, sessionID, name string) (string, error) {
	var out pathway.ConfirmTaskOutput
	_, err := c.rest.Do(ctx, restclient.Request{
		Method: http.MethodPut,
		Path:   dreAPI + "/ConfirmTask",
		Header: session(sessionID),
		Body:   pathway.ConfirmTaskRequest{Name: name},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("confirm %s: %w", name, err)
	}
	return out.State, nil
}

// DeleteEnactment deletes an enactment and reports whether the engine removed it.
func (c *Client) DeleteEnactment(ctx context.Context, sessionID, enactmentID string) (bool, error) {
	var out pathway.EnactmentDeleteOutput
	_, err := c.rest.Do(ctx, restclient.Request{
		Method: http.MethodPut,
		Path:   prsAPI + "/EnactmentDelete",
		Query:  url.Values{"id": {enactmentID}},
		Header: session(sessionID),
	}, &out)
	if err != nil {
		return false, fmt.Errorf("delete enactment %s: %w", enactmentID, err)
	}
	return bool(out.Deleted), nil
}
