package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidate_Submission(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"file only", `{"fileRef":"s3://b/k","notes":"v2"}`, true},
		{"link only", `{"linkRef":"https://drive/x"}`, true},
		{"both refs", `{"fileRef":"a","linkRef":"b"}`, false},
		{"neither ref", `{"notes":"hi"}`, false},
		{"empty ref", `{"fileRef":""}`, false},
		{"unknown field", `{"fileRef":"a","status":"approved"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(SchemaSubmission, []byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.GetErrorMessages())
		})
	}
}

func TestValidate_TransitionRequiresKnownStatus(t *testing.T) {
	v := newValidator(t)

	res, err := v.Validate(SchemaTransition, []byte(`{"toStatus":"rejected","reason":"blurry"}`))
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.Validate(SchemaTransition, []byte(`{"toStatus":"archived"}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.HasErrors("toStatus"))

	res, err = v.Validate(SchemaTransition, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_MalformedJSON(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(SchemaMessage, []byte(`{"body":`))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "MALFORMED_JSON", res.Errors[0].Code)
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate("nope", []byte(`{}`))
	assert.Error(t, err)
}

func TestValidate_NotificationsRead(t *testing.T) {
	v := newValidator(t)

	res, _ := v.Validate(SchemaNotificationsRead, []byte(`{"ids":["n-1","n-2"]}`))
	assert.True(t, res.Valid)

	res, _ = v.Validate(SchemaNotificationsRead, []byte(`{"ids":[]}`))
	assert.False(t, res.Valid)

	many := `{"ids":["` + strings.Repeat(`x","`, 500) + `x"]}`
	res, _ = v.Validate(SchemaNotificationsRead, []byte(many))
	assert.False(t, res.Valid)
}
