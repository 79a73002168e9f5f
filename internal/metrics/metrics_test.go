package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStore(t *testing.T) {
	c := NewCollector()

	c.ObserveStore("graph", "count", time.Now(), nil)
	c.ObserveStore("graph", "count", time.Now(), errors.New("down"))
	c.ObserveStore("graph", "count", time.Now(), nil)

	if got := testutil.ToFloat64(c.StoreOps.WithLabelValues("graph", "count", "ok")); got != 2 {
		t.Errorf("ok ops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.StoreOps.WithLabelValues("graph", "count", "error")); got != 1 {
		t.Errorf("error ops = %v, want 1", got)
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.RecordsTotal.WithLabelValues("memory", "processed").Add(3)
	if got := testutil.ToFloat64(b.RecordsTotal.WithLabelValues("memory", "processed")); got != 0 {
		t.Errorf("second collector saw %v, want 0", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.RecordsTotal.WithLabelValues("commit", "skipped").Inc()
	c.StoreAvailable.WithLabelValues("search").Set(0)

	path := filepath.Join(t.TempDir(), "devmem.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `devmem_records_total{outcome="skipped",source="commit"} 1`) {
		t.Errorf("textfile missing records counter:\n%s", out)
	}
	if !strings.Contains(out, `devmem_reconcile_store_available{store="search"} 0`) {
		t.Errorf("textfile missing availability gauge:\n%s", out)
	}
}
