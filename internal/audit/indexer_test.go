package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
)

type indexed struct {
	index string
	id    string
	body  []byte
}

type fakeES struct {
	docs   []indexed
	status int
	err    error
}

func (f *fakeES) IndexDocument(_ context.Context, index, id string, document interface{}) (*esapi.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	f.docs = append(f.docs, indexed{index: index, id: id, body: body})

	status := f.status
	if status == 0 {
		status = http.StatusCreated
	}
	payload := `{"result":"created"}`
	if status >= 400 {
		payload = `{"error":{"reason":"index read-only"}}`
	}
	return &esapi.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(payload))}, nil
}

func sampleResult() *pipeline.Result {
	ev := &model.ClockEvent{
		ID:          "ev-1",
		EmployeeID:  "emp-1",
		CompanyID:   "co-1",
		Type:        model.EventEntry,
		Timestamp:   time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC),
		DeviceClass: model.DeviceDesktop,
	}
	return &pipeline.Result{
		Event:           ev,
		Status:          pipeline.StatusAccepted,
		IntegrityBundle: &model.IntegrityBundle{Hash: "abc", Version: "1.0"},
		Reasons:         []string{},
		Warnings:        []model.Issue{model.Soft("LATE_ENTRY", "late by 3 minutes")},
		Verification:    &integrity.VerificationResult{IsValid: true, TimestampSkewMs: 1200},
	}
}

func TestIndexSubmission(t *testing.T) {
	es := &fakeES{}
	idx := NewIndexer(es, "clock-event-audit", zap.NewNop())

	require.NoError(t, idx.IndexSubmission(context.Background(), sampleResult(), "req-1"))
	require.Len(t, es.docs, 1)
	assert.Equal(t, "clock-event-audit", es.docs[0].index)
	assert.Equal(t, "ev-1", es.docs[0].id)

	var rec Record
	require.NoError(t, json.Unmarshal(es.docs[0].body, &rec))
	assert.Equal(t, KindSubmission, rec.Kind)
	assert.Equal(t, "ACCEPTED", rec.Status)
	assert.True(t, rec.Valid)
	assert.Equal(t, []string{"LATE_ENTRY"}, rec.WarningCodes)
	assert.Equal(t, int64(1200), rec.TimestampSkewMs)
	assert.Equal(t, "abc", rec.IntegrityBundle.Hash)
	assert.Equal(t, "req-1", rec.RequestID)
}

func TestIndexVerification(t *testing.T) {
	es := &fakeES{}
	idx := NewIndexer(es, "clock-event-audit", zap.NewNop())
	ev := sampleResult().Event

	result := integrity.VerificationResult{
		Errors: []model.Issue{model.Hard(integrity.CodeHashMismatch, "hash mismatch")},
	}
	require.NoError(t, idx.IndexVerification(context.Background(), ev, result, ""))
	require.NoError(t, idx.IndexVerification(context.Background(), ev, result, ""))

	require.Len(t, es.docs, 2)
	assert.NotEqual(t, es.docs[0].id, es.docs[1].id)
	assert.True(t, strings.HasPrefix(es.docs[0].id, "ev-1:verify:"))

	var rec Record
	require.NoError(t, json.Unmarshal(es.docs[0].body, &rec))
	assert.Equal(t, "INVALID", rec.Status)
	assert.Equal(t, []string{"hash mismatch"}, rec.Reasons)
}

func TestIndexErrors(t *testing.T) {
	idx := NewIndexer(&fakeES{status: http.StatusForbidden}, "audit", zap.NewNop())
	err := idx.IndexSubmission(context.Background(), sampleResult(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index read-only")

	idx = NewIndexer(&fakeES{err: errors.New("dial tcp: refused")}, "audit", zap.NewNop())
	assert.Error(t, idx.IndexSubmission(context.Background(), sampleResult(), ""))
}
