package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalqueue "github.com/BillyRonksGlobal/dataqueue/internal/queue"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/memstore"
	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*gin.Engine, *internalqueue.Queue) {
	t.Helper()
	q := internalqueue.New(memstore.New(), logger.Default())
	h := NewHandler(q, zap.NewNop())
	r := gin.New()
	h.RegisterRoutes(&r.RouterGroup)
	return r, q
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAddJobReturns201(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodPost, "/jobs", AddJobRequest{JobType: "send_email", Payload: map[string]any{"to": "a@b.com"}})
	require.Equal(t, http.StatusCreated, w.Code)

	var job internalqueue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "send_email", job.JobType)
	assert.Equal(t, internalqueue.StatusPending, job.Status)
}

func TestAddJobRejectsMissingJobType(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodPost, "/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobReturns404ForUnknownID(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/jobs/9999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobReturnsExistingJob(t *testing.T) {
	r, q := newTestServer(t)
	job, err := q.AddJob(context.Background(), internalqueue.JobOptions{JobType: "t"})
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/jobs/"+itoa(job.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJobTwiceReturnsConflict(t *testing.T) {
	r, q := newTestServer(t)
	job, err := q.AddJob(context.Background(), internalqueue.JobOptions{JobType: "t"})
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/jobs/"+itoa(job.ID)+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/jobs/"+itoa(job.ID)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	r, q := newTestServer(t)
	ctx := context.Background()
	_, err := q.AddJob(ctx, internalqueue.JobOptions{JobType: "t"})
	require.NoError(t, err)
	cancelled, err := q.AddJob(ctx, internalqueue.JobOptions{JobType: "t"})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(ctx, cancelled.ID))

	w := doJSON(t, r, http.MethodGet, "/jobs?status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result internalqueue.ListResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, cancelled.ID, result.Jobs[0].ID)
}

func TestCreateTokenAndCompleteToken(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodPost, "/tokens", CreateTokenRequest{Timeout: "5m"})
	require.Equal(t, http.StatusCreated, w.Code)

	var wp internalqueue.Waitpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wp))

	w = doJSON(t, r, http.MethodPost, "/tokens/"+wp.ID+"/complete", CompleteTokenRequest{Data: "ok"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetTokenReturns404ForUnknownID(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/tokens/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddCronJobThenPauseThenResume(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodPost, "/cron", AddCronJobRequest{
		ScheduleName:   "nightly",
		CronExpression: "0 0 * * *",
		JobType:        "digest",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var sched internalqueue.CronSchedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sched))

	w = doJSON(t, r, http.MethodPost, "/cron/"+itoa(sched.ID)+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/cron/"+itoa(sched.ID)+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAddCronJobRejectsInvalidExpression(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodPost, "/cron", AddCronJobRequest{
		ScheduleName:   "broken",
		CronExpression: "not a cron expr",
		JobType:        "digest",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
