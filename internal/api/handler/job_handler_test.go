package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/api/dto"
	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	args := m.Called(ctx, id)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *mockStore) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	args := m.Called(ctx, filter)
	jobs, _ := args.Get(0).([]*domain.Job)
	return jobs, args.Error(1)
}

func (m *mockStore) ListSubmissions(ctx context.Context, id string) ([]domain.Submission, error) {
	args := m.Called(ctx, id)
	subs, _ := args.Get(0).([]domain.Submission)
	return subs, args.Error(1)
}

func (m *mockStore) Requeue(ctx context.Context, id string) (*domain.Job, error) {
	args := m.Called(ctx, id)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishWithRetry(ctx context.Context, queue string, msg rabbitmq.Message) error {
	return m.Called(ctx, queue, msg).Error(0)
}

func setupTest(t *testing.T) (*gin.Engine, *mockStore, *mockPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &mockStore{}
	pub := &mockPublisher{}
	h := NewJobHandler(&Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Publisher: pub,
		WorkQueue: "jobs",
	})

	r := gin.New()
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:correlation_id", h.GetJob)
	r.GET("/jobs/:correlation_id/submissions", h.ListSubmissions)
	r.POST("/jobs/:correlation_id/requeue", h.RequeueJob)

	t.Cleanup(func() {
		store.AssertExpectations(t)
		pub.AssertExpectations(t)
	})
	return r, store, pub
}

func serve(r *gin.Engine, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const varianceBody = `{"jobtype":"variance","images":["f1.fits"],"dependencies":[]}`

func TestSubmitJob_PublishesWithHeaderCorrelationID(t *testing.T) {
	r, _, pub := setupTest(t)

	pub.On("PublishWithRetry", mock.Anything, "jobs", rabbitmq.Message{
		CorrelationID: "abc",
		ContentType:   "application/json",
		Body:          []byte(varianceBody),
	}).Return(nil).Once()

	w := serve(r, http.MethodPost, "/jobs", varianceBody, map[string]string{CorrelationIDHeader: "abc"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp.CorrelationID)
	assert.Equal(t, "variance", resp.JobType)
	assert.Equal(t, "jobs", resp.Queue)
}

func TestSubmitJob_GeneratesCorrelationID(t *testing.T) {
	r, _, pub := setupTest(t)

	var published rabbitmq.Message
	pub.On("PublishWithRetry", mock.Anything, "jobs", mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(2).(rabbitmq.Message) }).
		Return(nil).Once()

	w := serve(r, http.MethodPost, "/jobs", varianceBody, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, published.CorrelationID)
}

func TestSubmitJob_RejectsInvalidTask(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"jobtype":`},
		{name: "unknown job type", body: `{"jobtype":"photometry","images":["f1.fits"]}`},
		{name: "missing images", body: `{"jobtype":"variance","images":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := setupTest(t)

			w := serve(r, http.MethodPost, "/jobs", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitJob_PublishFailure(t *testing.T) {
	r, _, pub := setupTest(t)

	pub.On("PublishWithRetry", mock.Anything, "jobs", mock.Anything).Return(errors.New("broker down")).Once()

	w := serve(r, http.MethodPost, "/jobs", varianceBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetJob(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		job      *domain.Job
		err      error
		wantCode int
	}{
		{
			name: "found",
			job: &domain.Job{
				CorrelationID: "abc",
				JobType:       domain.JobTypeVariance,
				Status:        domain.JobStatusRunning,
				ExternalID:    "42",
				Site:          "cori",
				Payload:       []byte(varianceBody),
				CreatedAt:     created,
				UpdatedAt:     created,
			},
			wantCode: http.StatusOK,
		},
		{name: "not found", err: domain.ErrJobNotFound, wantCode: http.StatusNotFound},
		{name: "store failure", err: errors.New("connection refused"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, _ := setupTest(t)
			store.On("Get", mock.Anything, "abc").Return(tt.job, tt.err).Once()

			w := serve(r, http.MethodGet, "/jobs/abc", "", nil)
			require.Equal(t, tt.wantCode, w.Code)

			if tt.job != nil {
				var got dto.JobDTO
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				assert.Equal(t, "RUNNING", got.Status)
				assert.Equal(t, "42", got.ExternalID)
				assert.Equal(t, "2024-03-01T12:00:00Z", got.CreatedAt)
				assert.JSONEq(t, varianceBody, string(got.Payload))
				assert.Equal(t, []string{}, got.DependencyIDs)
			}
		})
	}
}

func TestGetJob_NonJSONPayloadReturnedAsString(t *testing.T) {
	r, store, _ := setupTest(t)
	store.On("Get", mock.Anything, "bad").Return(&domain.Job{
		CorrelationID: "bad",
		JobType:       "unknown",
		Status:        domain.JobStatusDeadLetter,
		Payload:       []byte(`{"jobtype":`),
	}, nil).Once()

	w := serve(r, http.MethodGet, "/jobs/bad", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, `{"jobtype":`, got.Payload)
}

func TestListJobs_Pagination(t *testing.T) {
	r, store, _ := setupTest(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*domain.Job{
		{CorrelationID: "c", Status: domain.JobStatusPending, Payload: []byte(`{}`), CreatedAt: base.Add(2 * time.Minute)},
		{CorrelationID: "b", Status: domain.JobStatusPending, Payload: []byte(`{}`), CreatedAt: base.Add(time.Minute)},
		{CorrelationID: "a", Status: domain.JobStatusPending, Payload: []byte(`{}`), CreatedAt: base},
	}

	store.On("ListJobs", mock.Anything, storage.JobFilter{
		Status:   "PENDING",
		PageSize: 2,
	}).Return(jobs, nil).Once()

	w := serve(r, http.MethodGet, "/jobs?status=PENDING&page_size=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "c", resp.Jobs[0].CorrelationID)
	assert.Equal(t, "b", resp.Jobs[1].CorrelationID)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.CorrelationID)
	assert.True(t, cursor.CreatedAt.Equal(base.Add(time.Minute)))
}

func TestListJobs_LastPageHasNoCursor(t *testing.T) {
	r, store, _ := setupTest(t)

	store.On("ListJobs", mock.Anything, storage.JobFilter{PageSize: defaultPageSize}).
		Return([]*domain.Job{{CorrelationID: "a", Payload: []byte(`{}`)}}, nil).Once()

	w := serve(r, http.MethodGet, "/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
	assert.Empty(t, resp.NextCursor)
}

func TestListJobs_PageSizeCapped(t *testing.T) {
	r, store, _ := setupTest(t)

	store.On("ListJobs", mock.Anything, storage.JobFilter{PageSize: maxPageSize}).
		Return([]*domain.Job{}, nil).Once()

	w := serve(r, http.MethodGet, "/jobs?page_size=500", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListJobs_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown status", query: "status=DONE"},
		{name: "bad cursor", query: "cursor=%21%21%21"},
		{name: "non numeric page size", query: "page_size=lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := setupTest(t)

			w := serve(r, http.MethodGet, "/jobs?"+tt.query, "", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListSubmissions(t *testing.T) {
	r, store, _ := setupTest(t)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.On("Get", mock.Anything, "abc").Return(&domain.Job{CorrelationID: "abc"}, nil).Once()
	store.On("ListSubmissions", mock.Anything, "abc").Return([]domain.Submission{
		{CorrelationID: "abc", ExternalID: "11", Site: "cori", SubmittedAt: at, FinalStatus: domain.JobStatusFailed, TimeUsed: 90 * time.Second, FinishedAt: at.Add(time.Hour)},
		{CorrelationID: "abc", ExternalID: "12", Site: "edison", SubmittedAt: at.Add(2 * time.Hour)},
	}, nil).Once()

	w := serve(r, http.MethodGet, "/jobs/abc/submissions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListSubmissionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Submissions, 2)
	assert.Equal(t, "FAILED", resp.Submissions[0].FinalStatus)
	assert.Equal(t, int64(90), resp.Submissions[0].TimeUsedSeconds)
	assert.Empty(t, resp.Submissions[1].FinalStatus)
	assert.Empty(t, resp.Submissions[1].FinishedAt)
}

func TestListSubmissions_UnknownJob(t *testing.T) {
	r, store, _ := setupTest(t)
	store.On("Get", mock.Anything, "nope").Return(nil, domain.ErrJobNotFound).Once()

	w := serve(r, http.MethodGet, "/jobs/nope/submissions", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequeueJob(t *testing.T) {
	r, store, pub := setupTest(t)

	store.On("Requeue", mock.Anything, "abc").Return(&domain.Job{
		CorrelationID: "abc",
		JobType:       domain.JobTypeVariance,
		Status:        domain.JobStatusUnsubmitted,
		Payload:       []byte(varianceBody),
	}, nil).Once()
	pub.On("PublishWithRetry", mock.Anything, "jobs", rabbitmq.Message{
		CorrelationID: "abc",
		ContentType:   "application/json",
		Body:          []byte(varianceBody),
	}).Return(nil).Once()

	w := serve(r, http.MethodPost, "/jobs/abc/requeue", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "UNSUBMITTED", got.Status)
}

func TestRequeueJob_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "unknown job", err: domain.ErrJobNotFound, wantCode: http.StatusNotFound},
		{name: "job still active", err: domain.ErrNotRequeueable, wantCode: http.StatusConflict},
		{name: "store failure", err: errors.New("connection refused"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, _ := setupTest(t)
			store.On("Requeue", mock.Anything, "abc").Return(nil, tt.err).Once()

			w := serve(r, http.MethodPost, "/jobs/abc/requeue", "", nil)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}
