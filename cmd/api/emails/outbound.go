package emails

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	app "github.com/leadline-io/crm-go/cmd/api/app"
)

// Outbound is one entry in the worker's sent-mail log, mostly SLA breach
// alerts.
type Outbound struct {
	ID      string    `json:"id"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Status  string    `json:"status"`
	Retries int       `json:"retries"`
	Created time.Time `json:"created_at"`
}

func ListOutbound(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `select id::text, to_addr, coalesce(subject,''), status, retries, created_at from email_outbound order by created_at desc limit 100`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Outbound{}
		for rows.Next() {
			var e Outbound
			if err := rows.Scan(&e.ID, &e.To, &e.Subject, &e.Status, &e.Retries, &e.Created); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, e)
		}
		c.JSON(http.StatusOK, out)
	}
}
