package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aniyuu"

const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultReused  = "reused"
	ResultBanned  = "banned"
	ResultError   = "error"

	ResultAnonymous     = "anonymous"
	ResultAuthenticated = "authenticated"
	ResultRejected      = "rejected"
)

type Metrics struct {
	Logins            *prometheus.CounterVec
	TokenRenewals     *prometheus.CounterVec
	RefreshTokenReuse prometheus.Counter
	AuthnRequests     *prometheus.CounterVec
}

// New registers the auth counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		TokenRenewals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Refresh token renewals by result.",
		}, []string{"result"}),
		RefreshTokenReuse: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Already used refresh tokens presented again.",
		}),
		AuthnRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authn_requests_total",
			Help:      "Requests seen by the authentication middleware by result.",
		}, []string{"result"}),
	}
}
