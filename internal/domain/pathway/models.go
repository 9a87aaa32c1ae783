// Package pathway defines the decision engine's pathway, enactment, and plan task model.
package pathway

import "encoding/json"

// Task types and states reported by the engine.
const (
	TaskTypeEnquiry = "enquiry"
	TaskTypeAction  = "action"

	StateInProgress = "in_progress"
	StateCompleted  = "completed"
)

// PathwayFileSuffix is appended to a pathway name to form the id passed to Enact.
const PathwayFileSuffix = ".pf"

// Enactment is one running instance of a pathway bound to one patient.
type Enactment struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientid"`
	PathwayID   string     `json:"pathwayid"`
	GroupID     string     `json:"groupid,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	Version     FlexString `json:"version,omitempty"`
	VCSHash     string     `json:"vcshash,omitempty"`
	CTime       FlexString `json:"ctime,omitempty"`
	MTime       FlexString `json:"mtime,omitempty"`
	ATime       FlexString `json:"atime,omitempty"`
	Saved       FlexBool   `json:"saved,omitempty"`
	Temp        FlexBool   `json:"temp,omitempty"`
	Status      string     `json:"status,omitempty"`
	LatestCycle FlexString `json:"latestCycle,omitempty"`
	AbortType   string     `json:"abortType,omitempty"`
	AbortReason string     `json:"abortReason,omitempty"`
}

// Pathway is a published clinical pathway definition.
type Pathway struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Caption  string     `json:"caption,omitempty"`
	URI      string     `json:"URI,omitempty"`
	Revision FlexString `json:"revision,omitempty"`
	Version  FlexString `json:"version,omitempty"`
	VCSHash  string     `json:"vcshash,omitempty"`
	Category string     `json:"category,omitempty"`
	Coding   string     `json:"coding,omitempty"`
	Deleted  FlexBool   `json:"deleted,omitempty"`
	Temp     FlexBool   `json:"temp,omitempty"`
	MTime    FlexString `json:"mtime,omitempty"`
}

// EnactRequest is the body of POST /Enact.
type EnactRequest struct {
	PathwayID string `json:"pathwayid"`
	PatientID string `json:"patientid"`
}

// EnactResult is returned by Enact. The session is bound to the new enactment.
type EnactResult struct {
	EnactmentID string `json:"enactmentid"`
	SessionID   string `json:"dresessionid"`
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	SessionID string `json:"dresessionid"`
}

// PlanTask is a unit of work inside an enactment.
type PlanTask struct {
	Name           string          `json:"name"`
	RuntimeID      FlexString      `json:"runtimeid,omitempty"`
	Caption        string          `json:"caption,omitempty"`
	Description    string          `json:"description,omitempty"`
	MetaProps      json.RawMessage `json:"metaprops,omitempty"`
	Type           string          `json:"type"`
	State          string          `json:"state"`
	Context        string          `json:"context,omitempty"`
	CanConfirm     FlexBool        `json:"canconfirm,omitempty"`
	Optional       FlexBool        `json:"optional,omitempty"`
	Autonomous     FlexBool        `json:"autonomous,omitempty"`
	ParentID       FlexString      `json:"parentid,omitempty"`
	InProgressTime FlexString      `json:"in_progresstime,omitempty"`
	CompletedTime  FlexString      `json:"completedstime,omitempty"`
	DiscardedTime  FlexString      `json:"discardedtime,omitempty"`
	Procedure      string          `json:"procedure,omitempty"`
}

// ItemData is a named data slot attached to an enquiry task.
type ItemData struct {
	Name         string          `json:"name"`
	RuntimeID    FlexString      `json:"runtimeid,omitempty"`
	Caption      string          `json:"caption,omitempty"`
	Description  string          `json:"description,omitempty"`
	Type         string          `json:"type,omitempty"`
	Value        FlexString      `json:"value,omitempty"`
	Requested    FlexString      `json:"requested,omitempty"`
	Unit         string          `json:"unit,omitempty"`
	Range        []RangeOption   `json:"range,omitempty"`
	DefaultValue FlexString      `json:"defaultvalue,omitempty"`
	Dynamic      FlexString      `json:"dynamic,omitempty"`
	MetaProps    json.RawMessage `json:"metaprops,omitempty"`
}

// RangeOption is one allowed value of an item.
type RangeOption struct {
	Value      FlexString `json:"value"`
	Caption    string     `json:"caption,omitempty"`
	NoneOption FlexBool   `json:"noneoption,omitempty"`
}

// DataValue is one name/value pair written with PUT /DataValue.
type DataValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DataValueOutput reports the outcome of one written value.
type DataValueOutput struct {
	Name         string     `json:"name"`
	Success      FlexBool   `json:"success"`
	NewValue     FlexString `json:"newvalue,omitempty"`
	ErrorCode    FlexString `json:"errorcode,omitempty"`
	ErrorMessage string     `json:"errormessage,omitempty"`
}

// Component identifies the pathway element a precondition or cause refers to.
type Component struct {
	ID   FlexString `json:"id,omitempty"`
	Name string     `json:"name,omitempty"`
	Type string     `json:"type,omitempty"`
	Path string     `json:"path,omitempty"`
}

// Precondition blocks confirmation of a task.
type Precondition struct {
	Message   string     `json:"message,omitempty"`
	Component *Component `json:"component,omitempty"`
}

// Cause is an outstanding reason a task cannot be confirmed. Causes nest.
type Cause struct {
	Message   string     `json:"message,omitempty"`
	Component *Component `json:"component,omitempty"`
	Causes    []Cause    `json:"causes,omitempty"`
}

// QueryConfirmTask is the engine's answer to "may this task be confirmed".
type QueryConfirmTask struct {
	Precondition *Precondition `json:"precondition,omitempty"`
	Causes       []Cause       `json:"causes,omitempty"`
}

// Confirmable reports whether neither a precondition nor any cause is present.
func (q *QueryConfirmTask) Confirmable() bool {
	return q != nil && q.Precondition == nil && len(q.Causes) == 0
}

// Reasons flattens the precondition and nested causes into messages for logging.
func (q *QueryConfirmTask) Reasons() []string {
	if q == nil {
		return nil
	}
	var out []string
	if q.Precondition != nil {
		out = append(out, "precondition: "+q.Precondition.Message)
	}
	var walk func([]Cause)
	walk = func(cs []Cause) {
		for _, c := range cs {
			out = append(out, "cause: "+c.Message)
			walk(c.Causes)
		}
	}
	walk(q.Causes)
	return out
}

// ConfirmTaskRequest is the body of PUT /ConfirmTask.
type ConfirmTaskRequest struct {
	Name string `json:"name"`
}

// ConfirmTaskOutput reports the task state after a confirm call.
type ConfirmTaskOutput struct {
	State string `json:"state"`
}

// EnactmentDeleteOutput is returned by EnactmentDelete.
type EnactmentDeleteOutput struct {
	Deleted FlexBool `json:"deleted"`
}
