package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThemeJSONKeepsUnknownKeys(t *testing.T) {
	raw := `{"id":"t1","name":"Ocean","source_url":"","components":{"button":{"radius":4}},
		"created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z","is_active":false,
		"palette":{"primary":"#112233"},"tags":["a","b"]}`

	var th Theme
	require.NoError(t, json.Unmarshal([]byte(raw), &th))
	assert.Equal(t, "t1", th.ID)
	assert.Equal(t, 4.0, th.Components["button"]["radius"])
	assert.Equal(t, map[string]any{"primary": "#112233"}, th.Extra["palette"])
	assert.Equal(t, []any{"a", "b"}, th.Extra["tags"])
	assert.NotContains(t, th.Extra, "id")

	out, err := json.Marshal(th)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "t1", back["id"])
	assert.Equal(t, map[string]any{"primary": "#112233"}, back["palette"])
	assert.Equal(t, []any{"a", "b"}, back["tags"])
}

func TestThemeMarshalIgnoresExtraShadowingKnownKeys(t *testing.T) {
	th := Theme{ID: "t1", Name: "Ocean", Extra: map[string]any{"id": "spoofed", "mood": "calm"}}
	out, err := json.Marshal(th)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "t1", back["id"])
	assert.Equal(t, "calm", back["mood"])
}

func TestThemeCloneIsIndependent(t *testing.T) {
	orig := Theme{
		ID: "t1",
		Components: map[string]Component{
			"button": {"fill": map[string]any{"color": "#000000"}, "effects": []any{map[string]any{"type": "DROP_SHADOW"}}},
		},
		Extra:     map[string]any{"palette": map[string]any{"primary": "#112233"}},
		CreatedAt: time.Unix(10, 0),
	}
	cp := orig.Clone()
	cp.Components["button"]["fill"].(map[string]any)["color"] = "#ffffff"
	cp.Components["button"]["effects"].([]any)[0].(map[string]any)["type"] = "BLUR"
	cp.Components["card"] = Component{}
	cp.Extra["palette"].(map[string]any)["primary"] = "#000000"

	assert.Equal(t, "#000000", orig.Components["button"]["fill"].(map[string]any)["color"])
	assert.Equal(t, "DROP_SHADOW", orig.Components["button"]["effects"].([]any)[0].(map[string]any)["type"])
	assert.NotContains(t, orig.Components, "card")
	assert.Equal(t, "#112233", orig.Extra["palette"].(map[string]any)["primary"])
}

func TestThemeDocumentOmitsEmptyIdentity(t *testing.T) {
	doc := Theme{Components: map[string]Component{"button": {}}}.Document()
	assert.NotContains(t, doc, "id")
	assert.NotContains(t, doc, "name")
	assert.Contains(t, doc["components"], "button")

	doc = Theme{ID: "t1", Name: "Ocean"}.Document()
	assert.Equal(t, "t1", doc["id"])
	assert.Equal(t, "Ocean", doc["name"])
}

func TestPatchSeparatesUnknownAndReadOnlyKeys(t *testing.T) {
	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"name":"New","id":"ignored","is_active":true,"mood":"calm"}`), &p))
	require.NotNil(t, p.Name)
	assert.Equal(t, "New", *p.Name)
	assert.Nil(t, p.Description)
	assert.Nil(t, p.Components)
	assert.Equal(t, map[string]any{"mood": "calm"}, p.Extra)
}

func TestErrorMessagesAndCodes(t *testing.T) {
	tests := []struct {
		err  interface{ Code() string }
		code string
		msg  string
	}{
		{&NotFoundError{ResourceID: "x"}, CodeNotFound, `theme "x" not found`},
		{&ValidationError{Reason: "invalid theme", MissingFields: []string{"name", "components.toast"}}, CodeValidation, "invalid theme: missing name, components.toast"},
		{&ValidationError{Reason: "bad shape"}, CodeValidation, "bad shape"},
		{&UpstreamError{SourceStatus: 403, Message: "forbidden"}, CodeUpstream, "design source returned 403: forbidden"},
		{&UpstreamError{Message: "timeout"}, CodeUpstream, "design source unavailable: timeout"},
		{&AssetProcessingError{URL: "http://x/a.png"}, CodeAssetProcessing, "failed to process image asset http://x/a.png"},
		{&ImmutableResourceError{ResourceID: "default", Reason: "built-in"}, CodeImmutable, `theme "default" cannot be modified: built-in`},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code())
			assert.Equal(t, tt.msg, tt.err.(error).Error())
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, &UpstreamError{Cause: cause}, cause)
	assert.ErrorIs(t, &AssetProcessingError{Cause: cause}, cause)
	assert.ErrorIs(t, &ValidationError{Cause: cause}, cause)
}
