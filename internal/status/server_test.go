package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/services"
	"github.com/Marketen/verifier-node/internal/metrics"
)

type fixedReporter struct{ st services.Status }

func (f *fixedReporter) Status() *services.Status { return &f.st }

func TestServer_Routes(t *testing.T) {
	rep := &fixedReporter{}
	rep.st.Round.Store(3)
	rep.st.Stage.Store(uint32(domain.DissentReveals))
	rep.st.RoundsCompleted.Store(2)
	rep.st.EvidenceFiled.Store(5)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RoundObserved(domain.Round{Index: 3, Stage: domain.DissentReveals})

	self := common.HexToAddress("0xAA01")
	srv := httptest.NewServer(NewServer(zerolog.Nop(), ":0", self, rep, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, Response{
		Verifier:        self.Hex(),
		Round:           3,
		Stage:           "DISSENT_REVEALS",
		RoundsCompleted: 2,
		EvidenceFiled:   5,
	}, body)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	post, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}
