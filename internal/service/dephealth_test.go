package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newDepServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
}

func TestNewDephealthService_NoTargets(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer("test-ts-00", "tempshare", nil,
		time.Second, testLogger(), prometheus.NewRegistry())
	if err == nil {
		t.Fatal("хотели ошибку для пустого списка зависимостей")
	}
}

func TestNewDephealthService_ValidTargets(t *testing.T) {
	s3 := newDepServer(http.StatusOK)
	defer s3.Close()
	jwks := newDepServer(http.StatusOK)
	defer jwks.Close()

	ds, err := NewDephealthServiceWithRegisterer("test-ts-01", "tempshare", []DepTarget{
		{Name: "s3", URL: s3.URL, HealthPath: "/minio/health/live", Critical: true},
		{Name: "admin-jwks", URL: jwks.URL},
	}, 5*time.Second, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_HealthyAndUnhealthy(t *testing.T) {
	healthy := newDepServer(http.StatusOK)
	defer healthy.Close()
	broken := newDepServer(http.StatusInternalServerError)
	defer broken.Close()

	ds, err := NewDephealthServiceWithRegisterer("test-ts-02", "tempshare", []DepTarget{
		{Name: "s3", URL: healthy.URL, Critical: true},
		{Name: "admin-jwks", URL: broken.URL},
	}, time.Second, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}
	defer ds.Stop()

	// Первая проверка выполняется в течение интервала
	time.Sleep(3 * time.Second)

	// Ключи Health() имеют формат "dependency:host:port"
	health := ds.Health()
	want := map[string]bool{"s3": true, "admin-jwks": false}
	for name, expected := range want {
		found := false
		for key, val := range health {
			if strings.HasPrefix(key, name+":") {
				found = true
				if val != expected {
					t.Errorf("%s: хотели %v, получили %v", key, expected, val)
				}
			}
		}
		if !found {
			t.Errorf("нет записи для %s в Health(), keys=%v", name, healthKeys(health))
		}
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
