package slas

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
)

type holidayListReq struct {
	Name     string `json:"name" binding:"required,min=3"`
	Holidays []struct {
		Date        string `json:"date" binding:"required,datetime=2006-01-02"`
		Description string `json:"description"`
	} `json:"holidays" binding:"required,min=1,dive"`
}

// CreateHolidayList stores a named holiday list and its dates.
func CreateHolidayList(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in holidayListReq
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[fe.Field()] = fe.Tag()
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
			return
		}
		ctx := c.Request.Context()
		if _, err := a.DB.Exec(ctx, `insert into holiday_lists (name) values ($1)`, in.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, h := range in.Holidays {
			d, _ := time.Parse("2006-01-02", h.Date)
			if _, err := a.DB.Exec(ctx,
				`insert into holidays (list_name, date, description) values ($1,$2,nullif($3,''))`,
				in.Name, d, h.Description); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusCreated, gin.H{"name": in.Name, "holidays": len(in.Holidays)})
	}
}

// ListHolidayLists returns list names with their holiday counts.
func ListHolidayLists(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(),
			`select l.name, count(h.date) from holiday_lists l left join holidays h on h.list_name=l.name group by l.name order by l.name`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		type item struct {
			Name     string `json:"name"`
			Holidays int    `json:"holidays"`
		}
		out := []item{}
		for rows.Next() {
			var it item
			if err := rows.Scan(&it.Name, &it.Holidays); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, it)
		}
		c.JSON(http.StatusOK, out)
	}
}
