package slas

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	slapkg "github.com/leadline-io/crm-go/internal/sla"
)

// Summary is the list representation of an SLA definition.
type Summary struct {
	Name             string `json:"name"`
	ApplyOn          string `json:"apply_on"`
	Enabled          bool   `json:"enabled"`
	Default          bool   `json:"default"`
	RollingResponses bool   `json:"rolling_responses"`
	HolidayList      string `json:"holiday_list,omitempty"`
}

type priorityJSON struct {
	Priority          string `json:"priority" binding:"required"`
	Default           bool   `json:"default_priority"`
	FirstResponseTime int64  `json:"first_response_time" binding:"min=0"`
}

type workingHoursJSON struct {
	Workday   string `json:"workday" binding:"required"`
	StartTime string `json:"start_time" binding:"required"`
	EndTime   string `json:"end_time" binding:"required"`
}

type createReq struct {
	Name             string             `json:"name" binding:"required,min=3"`
	ApplyOn          string             `json:"apply_on" binding:"required,oneof=lead deal"`
	Default          bool               `json:"default"`
	RollingResponses bool               `json:"rolling_responses"`
	HolidayList      string             `json:"holiday_list"`
	Priorities       []priorityJSON     `json:"priorities" binding:"required,dive"`
	WorkingHours     []workingHoursJSON `json:"working_hours" binding:"required,dive"`
}

// List returns SLA definition summaries.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(),
			`select name, apply_on, enabled, is_default, rolling_responses, coalesce(holiday_list,'') from slas order by name`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Summary{}
		for rows.Next() {
			var s Summary
			if err := rows.Scan(&s.Name, &s.ApplyOn, &s.Enabled, &s.Default, &s.RollingResponses, &s.HolidayList); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, s)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one fully hydrated definition.
func Get(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		def, err := slapkg.LoadDefinition(c.Request.Context(), a.DB, c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if def == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, render(def))
	}
}

// Create validates and stores a definition. Configuration defects fail here,
// loudly, so a broken calendar never reaches deadline computation.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
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
		def, err := fromRequest(in)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := def.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		if def.Default {
			var exists bool
			if err := a.DB.QueryRow(ctx,
				`select exists(select 1 from slas where apply_on=$1 and is_default)`,
				string(def.ApplyOn)).Scan(&exists); err == nil && exists {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("a default SLA already exists for %s", def.ApplyOn)})
				return
			}
		}
		if _, err := a.DB.Exec(ctx,
			`insert into slas (name, apply_on, enabled, is_default, rolling_responses, holiday_list) values ($1,$2,$3,$4,$5,nullif($6,''))`,
			def.Name, string(def.ApplyOn), def.Enabled, def.Default, def.RollingResponses, def.HolidayList); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for i, p := range def.Priorities {
			if _, err := a.DB.Exec(ctx,
				`insert into sla_priorities (sla_name, idx, priority, is_default, first_response_secs) values ($1,$2,$3,$4,$5)`,
				def.Name, i, p.Name, p.Default, p.FirstResponseTime); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		for _, wh := range def.WorkingHours {
			if _, err := a.DB.Exec(ctx,
				`insert into sla_working_hours (sla_name, dow, start_sec, end_sec) values ($1,$2,$3,$4)`,
				def.Name, int(wh.Weekday), wh.StartSec, wh.EndSec); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusCreated, render(def))
	}
}

type definitionJSON struct {
	Summary
	Priorities   []priorityJSON     `json:"priorities"`
	WorkingHours []workingHoursJSON `json:"working_hours"`
	Holidays     []holidayJSON      `json:"holidays,omitempty"`
}

type holidayJSON struct {
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

func render(def *slapkg.Definition) definitionJSON {
	out := definitionJSON{
		Summary: Summary{
			Name:             def.Name,
			ApplyOn:          string(def.ApplyOn),
			Enabled:          def.Enabled,
			Default:          def.Default,
			RollingResponses: def.RollingResponses,
			HolidayList:      def.HolidayList,
		},
	}
	for _, p := range def.Priorities {
		out.Priorities = append(out.Priorities, priorityJSON{
			Priority:          p.Name,
			Default:           p.Default,
			FirstResponseTime: p.FirstResponseTime,
		})
	}
	for _, wh := range def.WorkingHours {
		out.WorkingHours = append(out.WorkingHours, workingHoursJSON{
			Workday:   wh.Weekday.String(),
			StartTime: formatClock(wh.StartSec),
			EndTime:   formatClock(wh.EndSec),
		})
	}
	for _, h := range def.Holidays {
		out.Holidays = append(out.Holidays, holidayJSON{
			Date:        h.Date.Format("2006-01-02"),
			Description: h.Description,
		})
	}
	return out
}

func fromRequest(in createReq) (*slapkg.Definition, error) {
	def := &slapkg.Definition{
		Name:             in.Name,
		ApplyOn:          slapkg.EntityKind(in.ApplyOn),
		Enabled:          true,
		Default:          in.Default,
		RollingResponses: in.RollingResponses,
		HolidayList:      in.HolidayList,
	}
	for _, p := range in.Priorities {
		def.Priorities = append(def.Priorities, slapkg.Priority{
			Name:              p.Priority,
			Default:           p.Default,
			FirstResponseTime: p.FirstResponseTime,
		})
	}
	for _, wh := range in.WorkingHours {
		wd, err := parseWeekday(wh.Workday)
		if err != nil {
			return nil, err
		}
		start, err := parseClock(wh.StartTime)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(wh.EndTime)
		if err != nil {
			return nil, err
		}
		def.WorkingHours = append(def.WorkingHours, slapkg.WorkingHours{
			Weekday: wd,
			Hours:   slapkg.Hours{StartSec: start, EndSec: end},
		})
	}
	return def, nil
}

func formatClock(sec int) string {
	return fmt.Sprintf("%02d:%02d", sec/3600, sec%3600/60)
}

func parseWeekday(name string) (time.Weekday, error) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(wd.String(), name) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("invalid workday %q", name)
}

// parseClock accepts "HH:MM" or "HH:MM:SS" and returns seconds of day.
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		switch i {
		case 0:
			if n > 24 {
				return 0, fmt.Errorf("invalid time %q", s)
			}
			total += n * 3600
		case 1:
			if n > 59 {
				return 0, fmt.Errorf("invalid time %q", s)
			}
			total += n * 60
		case 2:
			if n > 59 {
				return 0, fmt.Errorf("invalid time %q", s)
			}
			total += n
		}
	}
	return total, nil
}
