package statuses

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
)

// CommunicationStatus is a label agents move leads and deals to when they
// reply, e.g. "Replied" or "Meeting Booked".
type CommunicationStatus struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List returns the configured communication statuses.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []CommunicationStatus{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(), `select id::text, name from communication_statuses order by name asc`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []CommunicationStatus{}
		for rows.Next() {
			var s CommunicationStatus
			if err := rows.Scan(&s.ID, &s.Name); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, s)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Create adds a communication status.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Name string `json:"name" binding:"required,min=2"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
			return
		}
		var id string
		if err := a.DB.QueryRow(c.Request.Context(),
			`insert into communication_statuses (name) values ($1) returning id::text`, in.Name).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, CommunicationStatus{ID: id, Name: in.Name})
	}
}
