package pwa

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIdentity(t *testing.T) {
	req := NewRequest(http.MethodGet, "/api/hotspots?type=fire")
	req.Header.Set("Accept-Language", "en")
	req.Header.Add("Accept-Language", "hi")
	req.Header.Set("Accept", "application/json")

	assert.Equal(t, "GET /api/hotspots?type=fire", req.Identity(nil))
	assert.Equal(t, "GET /api/hotspots?type=fire\nAccept: application/json\nAccept-Language: en,hi",
		req.Identity([]string{"accept-language", "Accept", "X-Missing"}))
	assert.Equal(t, req.Identity([]string{"Accept", "Accept-Language"}),
		req.Identity([]string{"Accept-Language", "Accept"}))

	other := NewRequest(http.MethodHead, "/api/hotspots?type=fire")
	assert.NotEqual(t, req.Identity(nil), other.Identity(nil))
}

func TestRequestPath(t *testing.T) {
	assert.Equal(t, "/api/hotspots", NewRequest(http.MethodGet, "/api/hotspots?type=fire").Path())
	assert.Equal(t, "/", NewRequest(http.MethodGet, "/").Path())
}

func TestIsDocument(t *testing.T) {
	nav := NewRequest(http.MethodGet, "/map")
	nav.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9")
	assert.True(t, nav.IsDocument())

	dest := NewRequest(http.MethodGet, "/map")
	dest.Header.Set("Sec-Fetch-Dest", "document")
	assert.True(t, dest.IsDocument())

	script := NewRequest(http.MethodGet, "/_next/static/chunks/app.js")
	script.Header.Set("Sec-Fetch-Dest", "script")
	script.Header.Set("Accept", "text/html")
	assert.False(t, script.IsDocument())

	assert.False(t, NewRequest(http.MethodGet, "/api/stats").IsDocument())
}

func TestRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/reports?src=pwa", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")

	req, err := requestFromHTTP(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/reports?src=pwa", req.URL)
	assert.Equal(t, `{"a":1}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	big := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(strings.Repeat("x", 11)))
	_, err = requestFromHTTP(big, 10)
	assert.ErrorIs(t, err, errBodyTooLarge)
}

func TestValidateReports(t *testing.T) {
	reps, err := ValidateReports([]byte(`{"locationName":"  Connaught Place ","description":"dust","timestamp":"2024-11-03T08:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "Connaught Place", reps[0].LocationName)
	require.NotNil(t, reps[0].Timestamp)

	reps, err = ValidateReports([]byte(`[{"locationName":"a","description":"b"},{"locationName":"c","description":"d"}]`))
	require.NoError(t, err)
	assert.Len(t, reps, 2)

	_, err = ValidateReports([]byte(`[{"locationName":"a","description":"b"},{"locationName":"c"}]`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"[1] description failed required"}, ve.Details)

	_, err = ValidateReports([]byte(`{"locationName":"a","description":"` + strings.Repeat("x", 1001) + `"}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"description failed max"}, ve.Details)

	for _, body := range []string{"", "   ", "[]", "{not json"} {
		_, err := ValidateReports([]byte(body))
		assert.ErrorAs(t, err, &ve, body)
	}
}

func TestValidateHotspots(t *testing.T) {
	ok := `{"name":"Ghazipur","lat":28.62,"lng":77.32,"intensity":0.9,"aqi":420,
		"type":"fire","source":"landfill","recommendation":"stay indoors"}`
	hs, err := ValidateHotspots([]byte(ok))
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, 420, hs[0].AQI)

	bad := `{"name":"Ghazipur","lat":95,"lng":77.32,"intensity":0.9,"aqi":501,
		"type":"fire","source":"landfill","recommendation":"stay indoors"}`
	_, err = ValidateHotspots([]byte(bad))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ElementsMatch(t, []string{"lat failed lte", "aqi failed lte"}, ve.Details)
}
