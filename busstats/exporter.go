/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package busstats exports a Connection's lifecycle counters (messages
sent/received, replies completed/timed out, disconnects) as Prometheus
gauges. Grounded on ptp/sptp/stats/prom_exporter.go's
PrometheusExporter: the same lazy-register-by-flattened-key pattern,
adapted from scraping an HTTP counters endpoint to scraping an
in-process Source directly, since a Connection lives in the same
process as the exporter rather than behind a second daemon.
*/
package busstats

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Source is anything that can report a flat snapshot of named
// counters, satisfied by conn.Connection's Snapshot method.
type Source interface {
	Snapshot() map[string]int64
}

// Exporter periodically scrapes a Source and republishes its counters
// as Prometheus gauges on /metrics.
type Exporter struct {
	registry   *prometheus.Registry
	source     Source
	listenPort int
	interval   time.Duration

	stop chan struct{}
}

// NewExporter builds an Exporter that scrapes source every
// scrapeInterval and serves the result on listenPort.
func NewExporter(source Source, listenPort int, scrapeInterval time.Duration) *Exporter {
	return &Exporter{
		registry:   prometheus.NewRegistry(),
		source:     source,
		listenPort: listenPort,
		interval:   scrapeInterval,
		stop:       make(chan struct{}),
	}
}

// Start begins the scrape loop and serves /metrics, blocking the
// calling goroutine the same way PrometheusExporter.Start does — call
// it from its own goroutine.
func (e *Exporter) Start() {
	go e.scrapeLoop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux))
}

// Stop ends the scrape loop. It does not stop the HTTP server Start
// handed to http.ListenAndServe.
func (e *Exporter) Stop() {
	close(e.stop)
}

func (e *Exporter) scrapeLoop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.scrapeOnce()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.scrapeOnce()
		}
	}
}

func (e *Exporter) scrapeOnce() {
	for key, val := range e.source.Snapshot() {
		collector := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: flattenKey(key),
			Help: key,
		})
		if err := e.registry.Register(collector); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				collector = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("busstats: failed to register metric %s: %v", key, err)
				continue
			}
		}
		collector.Set(float64(val))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
