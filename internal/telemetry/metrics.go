package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/event"
)

const namespace = "etrivia"

// Metrics exposes game activity and HTTP traffic to Prometheus. Game counters are fed from the event bus.
type Metrics struct {
	roomsCreated    prometheus.Counter
	roomsJoined     prometheus.Counter
	roomsLeft       prometheus.Counter
	gamesStarted    prometheus.Counter
	answers         *prometheus.CounterVec
	roundsClosed    prometheus.Counter
	gamesEnded      *prometheus.CounterVec
	roomsPurged     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer, bus *event.Bus) (*Metrics, error) {
	m := &Metrics{
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		roomsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_joined_total",
			Help:      "Participants that joined a room.",
		}),
		roomsLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_left_total",
			Help:      "Participants that left a room.",
		}),
		gamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_started_total",
			Help:      "Games started.",
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_submitted_total",
			Help:      "Accepted answers by correctness.",
		}, []string{"correct"}),
		roundsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_closed_total",
			Help:      "Questions scored.",
		}),
		gamesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Rooms that reached a terminal status.",
		}, []string{"status"}),
		roomsPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_purged_total",
			Help:      "Rooms deleted from storage by reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.roomsCreated, m.roomsJoined, m.roomsLeft, m.gamesStarted, m.answers,
		m.roundsClosed, m.gamesEnded, m.roomsPurged, m.requestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.subscribe(bus)
	return m, nil
}

func (m *Metrics) subscribe(bus *event.Bus) {
	count := func(c prometheus.Counter) event.Handler {
		return func(context.Context, event.Event) error {
			c.Inc()
			return nil
		}
	}

	bus.Subscribe(domain.EventNameRoomCreated, count(m.roomsCreated))
	bus.Subscribe(domain.EventNameRoomJoined, count(m.roomsJoined))
	bus.Subscribe(domain.EventNameRoomLeft, count(m.roomsLeft))
	bus.Subscribe(domain.EventNameGameStarted, count(m.gamesStarted))
	bus.Subscribe(domain.EventNameRoundClosed, count(m.roundsClosed))

	bus.Subscribe(domain.EventNameAnswerSubmitted, func(_ context.Context, e event.Event) error {
		a := e.(domain.EventAnswerSubmitted).Answer
		m.answers.WithLabelValues(strconv.FormatBool(a.Correct)).Inc()
		return nil
	})
	bus.Subscribe(domain.EventNameGameEnded, func(_ context.Context, e event.Event) error {
		m.gamesEnded.WithLabelValues(e.(domain.EventGameEnded).Room.Status.String()).Inc()
		return nil
	})
	bus.Subscribe(domain.EventNameRoomPurged, func(_ context.Context, e event.Event) error {
		m.roomsPurged.WithLabelValues(e.(domain.EventRoomPurged).Reason).Inc()
		return nil
	})
}

// GinMiddleware records the latency of every request by its route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
