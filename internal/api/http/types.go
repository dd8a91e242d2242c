package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
)

// exitView is the JSON form of a kernel.ExitRecord.
type exitView struct {
	ID     kernel.EnvID      `json:"id"`
	Name   string            `json:"name"`
	Reason kernel.ExitReason `json:"reason"`
	Error  string            `json:"error,omitempty"`
}

func newExitView(rec kernel.ExitRecord) exitView {
	v := exitView{ID: rec.ID, Name: rec.Name, Reason: rec.Reason}
	if rec.Err != nil {
		v.Error = rec.Err.Error()
	}
	return v
}

// parseEnvID reads the :id path parameter as printed by EnvID.String. On
// failure it writes a 400 and returns false.
func parseEnvID(c *gin.Context) (kernel.EnvID, bool) {
	var envID kernel.EnvID
	if err := envID.UnmarshalText([]byte(c.Param("id"))); err != nil || envID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid env id",
		})
		return 0, false
	}
	return envID, true
}
