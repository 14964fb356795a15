package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/metrobike-atlas/services/api/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// writeBuild lays out a published build the way the builder does.
func writeBuild(t *testing.T, root, id string, timeseries string) {
	t.Helper()
	dir := filepath.Join(root, "builds", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		"metro_stations.csv": "station_id,name,name_en,lat,lon,city,system,capacity\n" +
			"BL12,市政府,Taipei City Hall,25.041,121.565,TRTC,TRTC,\n" +
			"BL13,永春,Yongchun,25.0408,121.5762,TRTC,TRTC,\n",
		"bike_stations.csv": "station_id,name,name_en,lat,lon,city,system,capacity\n" +
			"B1,捷運市政府站,MRT Taipei City Hall,25.0408,121.5678,Taipei,BIKE,28\n" +
			"B2,松仁路,,25.0382,121.5685,Taipei,BIKE,\n" +
			"N1,板橋,,25.0136,121.4625,NewTaipei,BIKE,40\n",
		"metro_bike_links.csv": "metro_station_id,bike_station_id,distance_m,method\n" +
			"BL12,B1,263.118,buffer\n" +
			"BL12,B2,412.500,buffer\n",
		"bike_timeseries.csv": "station_id,ts,metric,value\n" + timeseries,
		"_build_meta.json":    `{"build_id":"` + id + `","granularity":"hour","source_timezone":"Asia/Taipei","row_counts":{"metro_stations":2}}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	link := filepath.Join(root, "current")
	_ = os.Remove(link)
	require.NoError(t, os.Symlink(filepath.Join("builds", id), link))
}

const fixtureSeries = "B1,2026-01-19T01:00:00Z,available_bikes,10\n" +
	"B1,2026-01-19T01:00:00Z,available_docks,18\n" +
	"B1,2026-01-19T02:00:00Z,available_bikes,6\n" +
	"B1,2026-01-19T02:00:00Z,available_docks,22\n" +
	"B1,2026-01-19T02:00:00Z,rent_proxy,4\n" +
	"B1,2026-01-19T03:00:00Z,rent_proxy,1\n" +
	"N1,2026-01-19T02:00:00Z,available_bikes,3\n"

func newTestServer(t *testing.T, root, token string) *Server {
	t.Helper()
	return New(config.Config{SilverDir: root, Port: 8080, BearerToken: token, CacheTTL: time.Minute}, nil)
}

func doGet(t *testing.T, s *Server, path string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestServer_NoBuildPublished(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, t.TempDir(), "")

	rec, body := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "", body["build_id"])

	rec, body = doGet(t, s, "/api/v1/stations/metro")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "no silver build published", body["error"])
}

func TestServer_Meta(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	rec, body := doGet(t, s, "/api/v1/meta")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "v1", rec.Header().Get("X-API-Version"))
	data := body["data"].(map[string]any)
	require.Equal(t, "build-1", data["build_id"])
	require.Equal(t, "hour", data["granularity"])

	rec, body = doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "build-1", body["build_id"])
}

func TestServer_ListStations(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	rec, body := doGet(t, s, "/api/v1/stations/metro")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 2)
	first := body["data"].([]any)[0].(map[string]any)
	require.Equal(t, "BL12", first["station_id"])
	require.Equal(t, "Taipei City Hall", first["name_en"])
	require.NotContains(t, first, "capacity")

	rec, body = doGet(t, s, "/api/v1/stations/bike?city=Taipei")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["meta"].(map[string]any)["count"])
	b1 := body["data"].([]any)[0].(map[string]any)
	require.EqualValues(t, 28, b1["capacity"])

	_, body = doGet(t, s, "/api/v1/stations/bike?city=Kaohsiung")
	require.Empty(t, body["data"])
}

func TestServer_MetroLinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	rec, body := doGet(t, s, "/api/v1/stations/metro/BL12/links")
	require.Equal(t, http.StatusOK, rec.Code)
	links := body["data"].([]any)
	require.Len(t, links, 2)
	l0 := links[0].(map[string]any)
	require.Equal(t, "B1", l0["bike_station_id"])
	require.Equal(t, 263.118, l0["distance_m"])
	require.Equal(t, "捷運市政府站", l0["bike_station"].(map[string]any)["name"])

	rec, body = doGet(t, s, "/api/v1/stations/metro/BL13/links")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["data"])

	rec, _ = doGet(t, s, "/api/v1/stations/metro/XX/links")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Timeseries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	tests := []struct {
		name  string
		path  string
		code  int
		count int
	}{
		{"all metrics", "/api/v1/timeseries/B1", http.StatusOK, 6},
		{"one metric", "/api/v1/timeseries/B1?metric=rent_proxy", http.StatusOK, 2},
		{"start inclusive", "/api/v1/timeseries/B1?start=2026-01-19T02:00:00Z", http.StatusOK, 4},
		{"end exclusive", "/api/v1/timeseries/B1?end=2026-01-19T02:00:00Z", http.StatusOK, 2},
		{"offset window", "/api/v1/timeseries/B1?start=2026-01-19T10:00:00%2B08:00&end=2026-01-19T11:00:00%2B08:00", http.StatusOK, 3},
		{"paged", "/api/v1/timeseries/B1?limit=4&page=2", http.StatusOK, 2},
		{"page past end", "/api/v1/timeseries/B1?limit=4&page=9", http.StatusOK, 0},
		{"max int page", "/api/v1/timeseries/B1?limit=500&page=9223372036854775807", http.StatusOK, 0},
		{"station without rows", "/api/v1/timeseries/B2", http.StatusOK, 0},
		{"unknown station", "/api/v1/timeseries/ZZ", http.StatusNotFound, -1},
		{"unknown metric", "/api/v1/timeseries/B1?metric=temperature", http.StatusBadRequest, -1},
		{"bad start", "/api/v1/timeseries/B1?start=yesterday", http.StatusBadRequest, -1},
		{"end before start", "/api/v1/timeseries/B1?start=2026-01-19T03:00:00Z&end=2026-01-19T01:00:00Z", http.StatusBadRequest, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doGet(t, s, tt.path)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.count >= 0 {
				require.Len(t, body["data"], tt.count)
			}
		})
	}

	_, body := doGet(t, s, "/api/v1/timeseries/B1?metric=available_bikes")
	first := body["data"].([]any)[0].(map[string]any)
	require.Equal(t, "2026-01-19T01:00:00Z", first["ts"])
	require.EqualValues(t, 10, first["value"])
	require.EqualValues(t, 2, body["meta"].(map[string]any)["total"])
}

func TestServer_RealtimeNow(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	rec, body := doGet(t, s, "/api/v1/realtime/now")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	b1 := data[0].(map[string]any)
	require.Equal(t, "B1", b1["station_id"])
	require.Equal(t, "2026-01-19T02:00:00Z", b1["ts"])
	require.EqualValues(t, 6, b1["available_bikes"])
	require.EqualValues(t, 22, b1["available_docks"])
	n1 := data[1].(map[string]any)
	require.NotContains(t, n1, "available_docks")

	_, body = doGet(t, s, "/api/v1/realtime/now?city=NewTaipei")
	require.Len(t, body["data"], 1)
}

func TestServer_PicksUpNewBuild(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "")

	_, body := doGet(t, s, "/api/v1/meta")
	require.Equal(t, "build-1", body["data"].(map[string]any)["build_id"])

	writeBuild(t, root, "build-2", "")
	_, body = doGet(t, s, "/api/v1/meta")
	require.Equal(t, "build-2", body["data"].(map[string]any)["build_id"])

	rec, body := doGet(t, s, "/api/v1/timeseries/B1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["data"])
}

func TestServer_BearerAuth(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBuild(t, root, "build-1", fixtureSeries)
	s := newTestServer(t, root, "s3cret")

	rec, _ := doGet(t, s, "/api/v1/meta")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doGet(t, s, "/api/v1/meta", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doGet(t, s, "/api/v1/meta", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, t.TempDir(), "")
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/meta", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, t.TempDir(), "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
