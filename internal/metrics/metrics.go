package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "masterbook"

var (
	once sync.Once

	slotClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_claims_total",
			Help:      "Count of reservation attempts by result.",
		},
		[]string{"result"},
	)

	slotsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_created_total",
			Help:      "Count of free slots created by masters.",
		},
	)

	commitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_commit_rejected_total",
			Help:      "Count of rejected availability commits by reason.",
		},
		[]string{"reason"},
	)

	cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_cancelled_total",
			Help:      "Count of released reservations by initiator.",
		},
		[]string{"by"},
	)

	floodDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_decisions_total",
			Help:      "Count of flood gate decisions.",
		},
		[]string{"decision"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of outgoing notifications by status.",
		},
		[]string{"status"},
	)

	remindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Count of appointment reminders by status.",
		},
		[]string{"status"},
	)

	sweepResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_resets_total",
			Help:      "Count of counters reset by the periodic sweep.",
		},
		[]string{"counter"},
	)

	updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Time spent handling one Telegram update.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			slotClaims,
			slotsCreated,
			commitRejected,
			cancellations,
			floodDecisions,
			notifications,
			remindersSent,
			sweepResets,
			updateDuration,
		)
	})
}

func IncSlotClaim(result string) {
	slotClaims.WithLabelValues(result).Inc()
}

func AddSlotsCreated(n int) {
	slotsCreated.Add(float64(n))
}

func IncCommitRejected(reason string) {
	commitRejected.WithLabelValues(reason).Inc()
}

func IncCancellation(by string) {
	cancellations.WithLabelValues(by).Inc()
}

func IncFloodDecision(decision string) {
	floodDecisions.WithLabelValues(decision).Inc()
}

func IncNotification(status string) {
	notifications.WithLabelValues(status).Inc()
}

func IncReminder(status string) {
	remindersSent.WithLabelValues(status).Inc()
}

func AddSweepResets(counter string, n int) {
	sweepResets.WithLabelValues(counter).Add(float64(n))
}

// ObserveUpdate records how long an update of the given kind took.
func ObserveUpdate(kind string, started time.Time) {
	updateDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
