package pathway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pathsync/internal/domain/coding"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

func TestParseItemSource(t *testing.T) {
	tr := coding.NewTranslator(nil)

	tests := []struct {
		name      string
		metaprops string
		want      ItemSource
		wantErr   error
	}{
		{
			name:      "stored observation",
			metaprops: `{"source":"stored","resourceType":"Observation","ontology.coding":"SCT:27113001 Body weight"}`,
			want: StoredSource{ResourceType: fhir.TypeObservation, Coding: fhir.Coding{
				System: fhir.SystemSNOMED, Code: "27113001", Display: "Body weight",
			}},
		},
		{
			name:      "abstracted nested ontology",
			metaprops: `{"source":"abstracted","ontology":{"coding":"SCT:64644003"}}`,
			want:      AbstractedSource{Coding: fhir.Coding{System: fhir.SystemSNOMED, Code: "64644003"}},
		},
		{
			name:      "reported nested under another object",
			metaprops: `{"props":{"source":"reported","ontology.coding":"SCT:386661006 Diarrhoea"}}`,
			want: ReportedSource{Coding: fhir.Coding{
				System: fhir.SystemSNOMED, Code: "386661006", Display: "Diarrhoea",
			}},
		},
		{
			name:      "encoded as string",
			metaprops: `"{\"source\":\"abstracted\",\"ontology.coding\":\"SCT:409587002\"}"`,
			want:      AbstractedSource{Coding: fhir.Coding{System: fhir.SystemSNOMED, Code: "409587002"}},
		},
		{name: "no metaprops", metaprops: ``, wantErr: ErrMissingSource},
		{name: "unknown source", metaprops: `{"source":"guessed","ontology.coding":"SCT:1"}`, wantErr: ErrUnknownSource},
		{name: "missing coding", metaprops: `{"source":"reported"}`, wantErr: ErrMissingCoding},
		{name: "stored without type", metaprops: `{"source":"stored","ontology.coding":"SCT:1"}`, wantErr: ErrMissingResourceType},
		{name: "stored unsupported type", metaprops: `{"source":"stored","resourceType":"Condition","ontology.coding":"SCT:1"}`, wantErr: ErrUnsupportedResource},
		{name: "unknown system", metaprops: `{"source":"reported","ontology.coding":"ICD:A09"}`, wantErr: coding.ErrUnknownSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseItemSource(ItemData{Name: "item", MetaProps: json.RawMessage(tt.metaprops)}, tr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTaskKind(t *testing.T) {
	t.Run("enquiry ignores metaprops", func(t *testing.T) {
		kind, err := ParseTaskKind(PlanTask{Name: "q", Type: TaskTypeEnquiry})
		require.NoError(t, err)
		assert.Equal(t, EnquiryTask{}, kind)
	})

	t.Run("automatic action from metaprops", func(t *testing.T) {
		kind, err := ParseTaskKind(PlanTask{
			Name: "a", Type: TaskTypeAction,
			MetaProps: json.RawMessage(`{"interactive":"0","procedure":"diarrhoea_management"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, AutomaticAction{Procedure: "diarrhoea_management"}, kind)
	})

	t.Run("task procedure wins over metaprops", func(t *testing.T) {
		kind, err := ParseTaskKind(PlanTask{
			Name: "a", Type: TaskTypeAction, Procedure: "from_task",
			MetaProps: json.RawMessage(`{"interactive":0,"procedure":"from_props"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, AutomaticAction{Procedure: "from_task"}, kind)
	})

	t.Run("interactive action keeps resource", func(t *testing.T) {
		kind, err := ParseTaskKind(PlanTask{
			Name: "i", Type: TaskTypeAction,
			MetaProps: json.RawMessage(`{"interactive":"1","resourceType":"MedicationRequest",
				"resource":"{\"resourceType\":\"MedicationRequest\",\"medicationCodeableConcept\":{\"coding\":[{\"system\":\"http://snomed.info/sct\",\"code\":\"387207008\"}]}}"}`),
		})
		require.NoError(t, err)
		action, ok := kind.(InteractiveAction)
		require.True(t, ok)
		assert.Equal(t, fhir.TypeMedicationRequest, action.ResourceType)

		mr, err := fhir.ParseMedicationRequest(action.Resource)
		require.NoError(t, err)
		assert.Equal(t, "387207008", mr.MedicationCoding().Code)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := ParseTaskKind(PlanTask{Type: "decision"})
		assert.ErrorIs(t, err, ErrUnknownTaskType)

		_, err = ParseTaskKind(PlanTask{Type: TaskTypeAction, MetaProps: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrMissingInteractive)

		_, err = ParseTaskKind(PlanTask{Type: TaskTypeAction, MetaProps: json.RawMessage(`{"interactive":"0"}`)})
		assert.ErrorIs(t, err, ErrMissingProcedure)

		_, err = ParseTaskKind(PlanTask{Type: TaskTypeAction, MetaProps: json.RawMessage(`{"interactive":"1"}`)})
		assert.ErrorIs(t, err, ErrMissingResourceType)

		_, err = ParseTaskKind(PlanTask{Type: TaskTypeAction, MetaProps: json.RawMessage(`{"interactive":"1","resourceType":"MedicationRequest"}`)})
		assert.ErrorIs(t, err, ErrMissingResource)
	})
}

func TestQueryConfirmTaskConfirmable(t *testing.T) {
	var q QueryConfirmTask
	require.NoError(t, json.Unmarshal([]byte(`{}`), &q))
	assert.True(t, q.Confirmable())

	require.NoError(t, json.Unmarshal([]byte(`{"causes":[]}`), &q))
	assert.True(t, q.Confirmable())

	q = QueryConfirmTask{}
	require.NoError(t, json.Unmarshal([]byte(`{"precondition":{"message":"age unknown"}}`), &q))
	assert.False(t, q.Confirmable())
	assert.Equal(t, []string{"precondition: age unknown"}, q.Reasons())

	q = QueryConfirmTask{}
	require.NoError(t, json.Unmarshal([]byte(`{"causes":[{"message":"a","causes":[{"message":"b"}]}]}`), &q))
	assert.False(t, q.Confirmable())
	assert.Equal(t, []string{"cause: a", "cause: b"}, q.Reasons())
}

func TestFlexDecoding(t *testing.T) {
	var out EnactmentDeleteOutput
	require.NoError(t, json.Unmarshal([]byte(`{"deleted":"true"}`), &out))
	assert.True(t, bool(out.Deleted))
	require.NoError(t, json.Unmarshal([]byte(`{"deleted":false}`), &out))
	assert.False(t, bool(out.Deleted))

	var task PlanTask
	require.NoError(t, json.Unmarshal([]byte(`{"name":"t","runtimeid":17,"canconfirm":"1","type":"enquiry","state":"in_progress"}`), &task))
	assert.Equal(t, "17", task.RuntimeID.String())
	assert.True(t, bool(task.CanConfirm))

	assert.Error(t, json.Unmarshal([]byte(`{"deleted":"maybe"}`), &out))
}
