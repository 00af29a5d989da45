package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
)

var slaStatusEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sla_status_entities",
	Help: "Number of leads and deals per SLA status",
}, []string{"kind", "status"})

func init() { prometheus.MustRegister(slaStatusEntities) }

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

type kindSummary map[string]int64

// Summary reports per-status entity counts and refreshes the gauges so the
// scrape endpoint mirrors what the dashboard sees.
func Summary(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := map[string]kindSummary{"lead": {}, "deal": {}}
		for kind, table := range map[string]string{"lead": "leads", "deal": "deals"} {
			rows, err := a.DB.Query(c.Request.Context(),
				`select coalesce(sla_status,''), count(*) from `+table+` where sla is not null group by 1`)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			for rows.Next() {
				var status string
				var n int64
				if err := rows.Scan(&status, &n); err != nil {
					continue
				}
				if status == "" {
					status = "none"
				}
				out[kind][status] = n
				slaStatusEntities.WithLabelValues(kind, status).Set(float64(n))
			}
			rows.Close()
		}
		c.JSON(http.StatusOK, out)
	}
}
