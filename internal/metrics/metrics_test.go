package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t.Run("Counts by label", func(t *testing.T) {
		r := NewRecorder()
		r.Send(KindToken, OutcomeDelivered)
		r.Send(KindToken, OutcomeDelivered)
		r.Send(KindToken, OutcomePermanent)
		r.Pruned(3)
		r.PruneFailed()
		r.Request("processed")

		assert.Equal(t, 2.0, testutil.ToFloat64(r.sends.WithLabelValues(KindToken, OutcomeDelivered)))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues(KindToken, OutcomePermanent)))
		assert.Equal(t, 3.0, testutil.ToFloat64(r.tokensPruned))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.pruneFailures))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("processed")))
	})

	t.Run("Nil recorder is a no-op", func(t *testing.T) {
		var r *Recorder
		assert.NotPanics(t, func() {
			r.Send(KindTopic, OutcomeTransient)
			r.Pruned(1)
			r.PruneFailed()
			r.Request("skipped")
		})
	})

	t.Run("Handler exposes registry", func(t *testing.T) {
		r := NewRecorder()
		r.Send(KindTopic, OutcomeDelivered)

		w := httptest.NewRecorder()
		r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(w.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `push_relay_sends_total{kind="topic",outcome="delivered"} 1`)
	})
}
