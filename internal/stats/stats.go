package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveConnections     = "NumActiveConnections"
	NumRejectedConnections   = "NumRejectedConnections"
	NumMessagesPublished     = "NumMessagesPublished"
	NumGroups                = "NumGroups"
	NumSlowConsumerEvictions = "NumSlowConsumerEvictions"
	NumSessionsRotated       = "NumSessionsRotated"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int64
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater serving its metrics at
// GET /debug/vars on mux. The map is not published globally so several
// updaters can coexist in one process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for {
		select {
		case req := <-su.updateChan:
			su.vars.Add(req.name, req.value)
		case <-su.stop:
			return
		}
	}
}

// queue never blocks: when the update loop falls behind the update is
// dropped.
func (su *StatsUpdater) queue(name string, value int64) {
	select {
	case <-su.stop:
		return
	default:
	}

	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: value}:
	default:
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.queue(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.queue(name, -1)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Get returns the current value of an integer metric.
func (su *StatsUpdater) Get(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. Updates after Stop are discarded.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.stop)
	})
}
