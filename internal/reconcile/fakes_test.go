package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/pkg/ledger"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func notFound(ref string) error {
	return &restclient.StatusError{Method: http.MethodGet, URL: ref, StatusCode: http.StatusNotFound}
}

func idOf(ref string) string {
	if _, id, ok := fhir.SplitReference(ref); ok {
		return id
	}
	return ref
}

func isPatient(ref *fhir.Reference, patient string) bool {
	return ref != nil && ref.ID() == idOf(patient)
}

// fakeRepo is an in-memory clinical repository.
type fakeRepo struct {
	mu sync.Mutex

	comms        []*fhir.Communication
	observations []*fhir.Observation
	medications  []*fhir.MedicationRequest
	tasks        []*fhir.Task
	nextID       int

	failClaim    map[string]bool
	failSearches error
	pings        []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{failClaim: map[string]bool{}}
}

func (f *fakeRepo) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeRepo) addNotification(payload string) *fhir.Communication {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := fhir.NewReference(payload)
	c := &fhir.Communication{
		ResourceType: fhir.TypeCommunication,
		ID:           f.id("c"),
		Status:       fhir.CommunicationInProgress,
		Payload:      []fhir.CommunicationPayload{{ContentReference: &ref}},
	}
	f.comms = append(f.comms, c)
	return c
}

func (f *fakeRepo) addObservation(patient string, c fhir.Coding, effective, status, value string) *fhir.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	subject := fhir.NewReference(patient)
	o := &fhir.Observation{
		ResourceType:      fhir.TypeObservation,
		ID:                f.id("o"),
		Status:            status,
		Code:              fhir.CodeableConcept{Coding: []fhir.Coding{c}},
		Subject:           &subject,
		EffectiveDateTime: effective,
	}
	if value != "" {
		o.ValueQuantity = &fhir.Quantity{Value: json.Number(value)}
	}
	f.observations = append(f.observations, o)
	return o
}

func (f *fakeRepo) addMedication(patient string, c fhir.Coding, status, start, end string) *fhir.MedicationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr := &fhir.MedicationRequest{
		ResourceType:              fhir.TypeMedicationRequest,
		ID:                        f.id("m"),
		Status:                    status,
		Intent:                    fhir.IntentOrder,
		MedicationCodeableConcept: &fhir.CodeableConcept{Coding: []fhir.Coding{c}},
		Subject:                   fhir.NewReference(patient),
	}
	if start != "" {
		mr.DosageInstruction = []fhir.Dosage{{Timing: &fhir.Timing{Repeat: &fhir.TimingRepeat{
			BoundsPeriod: &fhir.Period{Start: start, End: end},
		}}}}
	}
	f.medications = append(f.medications, mr)
	return mr
}

func (f *fakeRepo) SearchCommunications(_ context.Context, status string) ([]fhir.Communication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSearches != nil {
		return nil, f.failSearches
	}
	var out []fhir.Communication
	for _, c := range f.comms {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateCommunicationStatus(_ context.Context, comm *fhir.Communication, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClaim[comm.ID] {
		return &restclient.StatusError{StatusCode: http.StatusServiceUnavailable}
	}
	for _, c := range f.comms {
		if c.ID == comm.ID {
			c.Status = status
		}
	}
	comm.Status = status
	return nil
}

func (f *fakeRepo) CreateCommunication(_ context.Context, c *fhir.Communication) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	cp.ID = f.id("c")
	f.comms = append(f.comms, &cp)
	return fhir.TypeCommunication + "/" + cp.ID, nil
}

func (f *fakeRepo) ReadObservation(_ context.Context, ref string) (*fhir.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.observations {
		if o.ID == idOf(ref) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, notFound(ref)
}

func (f *fakeRepo) SearchObservations(_ context.Context, patient string, c fhir.Coding) ([]fhir.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fhir.Observation
	for _, o := range f.observations {
		if isPatient(o.Subject, patient) && hasCoding(o.Code, c) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateObservation(_ context.Context, o *fhir.Observation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	cp.ID = f.id("o")
	f.observations = append(f.observations, &cp)
	return fhir.TypeObservation + "/" + cp.ID, nil
}

func (f *fakeRepo) ReadMedicationRequest(_ context.Context, ref string) (*fhir.MedicationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mr := range f.medications {
		if mr.ID == idOf(ref) {
			cp := *mr
			return &cp, nil
		}
	}
	return nil, notFound(ref)
}

func (f *fakeRepo) SearchMedicationRequests(_ context.Context, patient string, c fhir.Coding, status string) ([]fhir.MedicationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fhir.MedicationRequest
	for _, mr := range f.medications {
		if isPatient(&mr.Subject, patient) && fhir.CodingsMatch(mr.MedicationCoding(), c) && (status == "" || mr.Status == status) {
			out = append(out, *mr)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateMedicationRequest(_ context.Context, mr *fhir.MedicationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *mr
	cp.ID = f.id("m")
	f.medications = append(f.medications, &cp)
	return fhir.TypeMedicationRequest + "/" + cp.ID, nil
}

func (f *fakeRepo) SearchTasks(_ context.Context, patient, status string) ([]fhir.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fhir.Task
	for _, t := range f.tasks {
		if isPatient(t.For, patient) && t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateTaskStatus(_ context.Context, task *fhir.Task, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == task.ID {
			t.Status = status
		}
	}
	task.Status = status
	return nil
}

func (f *fakeRepo) CreateTask(_ context.Context, t *fhir.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	cp.ID = f.id("t")
	f.tasks = append(f.tasks, &cp)
	return fhir.TypeTask + "/" + cp.ID, nil
}

func (f *fakeRepo) Ping(_ context.Context, mr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, mr)
	return false, nil
}

func (f *fakeRepo) openTasks(typ string) []*fhir.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fhir.Task
	for _, t := range f.tasks {
		if t.Status == fhir.TaskRequested && t.Focus.ResourceType() == typ {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeRepo) observation(ref string) *fhir.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.observations {
		if o.ID == idOf(ref) {
			return o
		}
	}
	return nil
}

func (f *fakeRepo) medication(ref string) *fhir.MedicationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mr := range f.medications {
		if mr.ID == idOf(ref) {
			return mr
		}
	}
	return nil
}

func (f *fakeRepo) notifications(status string) []*fhir.Communication {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fhir.Communication
	for _, c := range f.comms {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// taskDef describes a plan task of a fake pathway.
type taskDef struct {
	task    pathway.PlanTask
	items   []pathway.ItemData
	blocked bool
	// hidden tasks open when a task naming them in reveals is confirmed
	hidden  bool
	reveals []string
	state   string
}

type fakeTask struct {
	def    taskDef
	open   bool
	values map[string]string
}

type fakeEnactment struct {
	pathway.Enactment
	tasks []*fakeTask
}

// fakeEngine is an in-memory decision engine.
type fakeEngine struct {
	mu sync.Mutex

	pathways   map[string][]taskDef
	enactments []*fakeEnactment
	sessions   map[string]string
	nextID     int

	calls   []string
	writes  [][]pathway.DataValue
	deleted []string
	fail    map[string]error
	// gate, when set, holds EnactmentsByPatient until closed
	gate chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		pathways: map[string][]taskDef{},
		sessions: map[string]string{},
		fail:     map[string]error{},
	}
}

func (f *fakeEngine) record(call string) error {
	f.calls = append(f.calls, call)
	op, _, _ := strings.Cut(call, " ")
	return f.fail[op]
}

func (f *fakeEngine) addPathway(name string, defs ...taskDef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathways[name] = defs
}

func (f *fakeEngine) newEnactment(pathwayID, patient string) *fakeEnactment {
	f.nextID++
	en := &fakeEnactment{Enactment: pathway.Enactment{
		ID:        fmt.Sprintf("e%d", f.nextID),
		PatientID: patient,
		PathwayID: pathwayID,
	}}
	name := pathwayID[:len(pathwayID)-len(pathway.PathwayFileSuffix)]
	for _, s := range f.pathways[name] {
		en.tasks = append(en.tasks, &fakeTask{def: s, open: !s.hidden, values: map[string]string{}})
	}
	f.enactments = append(f.enactments, en)
	return en
}

// enact creates an enactment directly, as if made by an earlier run.
func (f *fakeEngine) enact(name, patient string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newEnactment(name+pathway.PathwayFileSuffix, patient).ID
}

func (f *fakeEngine) bySession(sid string) *fakeEnactment {
	id := f.sessions[sid]
	for _, en := range f.enactments {
		if en.ID == id {
			return en
		}
	}
	return nil
}

func (f *fakeEngine) task(en *fakeEnactment, name string) *fakeTask {
	if en == nil {
		return nil
	}
	for _, t := range en.tasks {
		if t.def.task.Name == name {
			return t
		}
	}
	return nil
}

func (f *fakeEngine) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if o, _, _ := strings.Cut(c, " "); o == op {
			n++
		}
	}
	return n
}

func (f *fakeEngine) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeEngine) enactmentsOf(patient string) []pathway.Enactment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pathway.Enactment
	for _, en := range f.enactments {
		if en.PatientID == patient {
			out = append(out, en.Enactment)
		}
	}
	return out
}

func (f *fakeEngine) EnactmentsByPatient(_ context.Context, patient string) ([]pathway.Enactment, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EnactmentsByPatient " + patient); err != nil {
		return nil, err
	}
	var out []pathway.Enactment
	for _, en := range f.enactments {
		if en.PatientID == patient {
			out = append(out, en.Enactment)
		}
	}
	return out, nil
}

func (f *fakeEngine) PathwaysByName(_ context.Context, name string) ([]pathway.Pathway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PathwaysByName " + name); err != nil {
		return nil, err
	}
	if _, ok := f.pathways[name]; !ok {
		return nil, nil
	}
	return []pathway.Pathway{{ID: name + pathway.PathwayFileSuffix, Name: name}}, nil
}

func (f *fakeEngine) Enact(_ context.Context, pathwayID, patient string) (*pathway.EnactResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Enact " + pathwayID); err != nil {
		return nil, err
	}
	en := f.newEnactment(pathwayID, patient)
	sid := "s-" + en.ID
	f.sessions[sid] = en.ID
	return &pathway.EnactResult{EnactmentID: en.ID, SessionID: sid}, nil
}

func (f *fakeEngine) Connect(_ context.Context, enactmentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Connect " + enactmentID); err != nil {
		return "", err
	}
	sid := fmt.Sprintf("s-%s-%d", enactmentID, len(f.calls))
	f.sessions[sid] = enactmentID
	return sid, nil
}

func (f *fakeEngine) OpenTasks(_ context.Context, sid string) ([]pathway.PlanTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("OpenTasks " + f.sessions[sid]); err != nil {
		return nil, err
	}
	var out []pathway.PlanTask
	if en := f.bySession(sid); en != nil {
		for _, t := range en.tasks {
			if t.open {
				out = append(out, t.def.task)
			}
		}
	}
	return out, nil
}

func (f *fakeEngine) OpenTasksUnder(_ context.Context, sid, name string) ([]pathway.PlanTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("OpenTasksUnder " + name); err != nil {
		return nil, err
	}
	var out []pathway.PlanTask
	if en := f.bySession(sid); en != nil {
		for _, t := range en.tasks {
			if t.open && (t.def.task.Context == name || t.def.task.Name == name) {
				out = append(out, t.def.task)
			}
		}
	}
	return out, nil
}

func (f *fakeEngine) ItemData(_ context.Context, sid, enquiry string) ([]pathway.ItemData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ItemData " + enquiry); err != nil {
		return nil, err
	}
	if t := f.task(f.bySession(sid), enquiry); t != nil {
		return t.def.items, nil
	}
	return nil, nil
}

func (f *fakeEngine) WriteDataValues(_ context.Context, sid string, values []pathway.DataValue) ([]pathway.DataValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("WriteDataValues"); err != nil {
		return nil, err
	}
	f.writes = append(f.writes, values)
	en := f.bySession(sid)
	out := make([]pathway.DataValueOutput, 0, len(values))
	for _, v := range values {
		if en != nil {
			for _, t := range en.tasks {
				for _, item := range t.def.items {
					if item.Name == v.Name {
						t.values[v.Name] = v.Value
					}
				}
			}
		}
		out = append(out, pathway.DataValueOutput{Name: v.Name, Success: true})
	}
	return out, nil
}

func (f *fakeEngine) confirmable(t *fakeTask) bool {
	if t == nil || t.def.blocked {
		return false
	}
	for _, item := range t.def.items {
		if _, ok := t.values[item.Name]; !ok {
			return false
		}
	}
	return true
}

func (f *fakeEngine) QueryConfirmTask(_ context.Context, sid, name string) (*pathway.QueryConfirmTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("QueryConfirmTask " + name); err != nil {
		return nil, err
	}
	if f.confirmable(f.task(f.bySession(sid), name)) {
		return &pathway.QueryConfirmTask{}, nil
	}
	return &pathway.QueryConfirmTask{Precondition: &pathway.Precondition{Message: "data missing"}}, nil
}

func (f *fakeEngine) ConfirmTask(_ context.Context, sid, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ConfirmTask " + name); err != nil {
		return "", err
	}
	en := f.bySession(sid)
	t := f.task(en, name)
	if t == nil {
		return pathway.StateInProgress, nil
	}
	if t.def.state != "" {
		return t.def.state, nil
	}
	t.open = false
	for _, r := range t.def.reveals {
		if next := f.task(en, r); next != nil {
			next.open = true
		}
	}
	return pathway.StateCompleted, nil
}

func (f *fakeEngine) DeleteEnactment(_ context.Context, sid, enactmentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteEnactment " + enactmentID); err != nil {
		return false, err
	}
	kept := f.enactments[:0]
	for _, en := range f.enactments {
		if en.ID != enactmentID {
			kept = append(kept, en)
		}
	}
	f.enactments = kept
	f.deleted = append(f.deleted, enactmentID)
	return true, nil
}

// capture is an in-memory event sink.
type capture struct {
	mu     sync.Mutex
	events []*reconciliation.Event
}

func (c *capture) Publish(_ context.Context, events ...*reconciliation.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *capture) types() []reconciliation.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reconciliation.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}

type harness struct {
	repo   *fakeRepo
	de     *fakeEngine
	events *capture
	ledger *ledger.Memory
	engine *Engine
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		repo:   newFakeRepo(),
		de:     newFakeEngine(),
		events: &capture{},
		ledger: ledger.NewMemory(ledger.Config{MaxFailures: 2, TTL: time.Hour}),
	}
	cfg := DefaultConfig()
	cfg.MetaPathway = "meta"
	for _, m := range mutate {
		m(&cfg)
	}
	var err error
	h.engine, err = New(cfg, Deps{
		Repository: h.repo,
		Engine:     h.de,
		Conflicts:  h.repo,
		Ledger:     h.ledger,
		Publisher:  h.events,
		Now:        func() time.Time { return testNow },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return h
}

func enquiry(name string, items ...pathway.ItemData) taskDef {
	return taskDef{task: pathway.PlanTask{Name: name, Type: pathway.TaskTypeEnquiry, State: pathway.StateInProgress}, items: items}
}

func item(name, metaprops string) pathway.ItemData {
	return pathway.ItemData{Name: name, MetaProps: json.RawMessage(metaprops)}
}

func automatic(name, procedure string) taskDef {
	return taskDef{task: pathway.PlanTask{
		Name: name, Type: pathway.TaskTypeAction, State: pathway.StateInProgress,
		MetaProps: json.RawMessage(fmt.Sprintf(`{"interactive":"0","procedure":%q}`, procedure)),
	}}
}

func interactive(name, resource string) taskDef {
	return taskDef{task: pathway.PlanTask{
		Name: name, Type: pathway.TaskTypeAction, State: pathway.StateInProgress,
		MetaProps: json.RawMessage(fmt.Sprintf(`{"interactive":"1","resourceType":"MedicationRequest","resource":%s}`, resource)),
	}}
}

func day(offset time.Duration) string {
	return fhir.FormatDateTime(testNow.Add(offset))
}
