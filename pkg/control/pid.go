package control

import (
	"math"
	"time"
)

// Gains are the PID gains of one joint.
type Gains struct {
	KP float64 `json:"kp"`
	KI float64 `json:"ki"`
	KD float64 `json:"kd"`
}

// pid is a per-joint position/velocity PID. The derivative term acts on the velocity error
// supplied by the trajectory, not on a differenced position error.
type pid struct {
	gains    Gains
	limit    float64
	integral float64
}

func newPID(g Gains, integralLimit float64) *pid {
	return &pid{gains: g, limit: integralLimit}
}

// next returns the correction effort for one tick. The integral contribution is clamped to
// ±limit so missed ticks or a stalled joint cannot wind it up.
func (p *pid) next(posErr, velErr float64, dt time.Duration) float64 {
	if p.gains.KI != 0 {
		p.integral += p.gains.KI * posErr * dt.Seconds()
		p.integral = math.Max(-p.limit, math.Min(p.limit, p.integral))
	}
	return p.gains.KP*posErr + p.integral + p.gains.KD*velErr
}

func (p *pid) reset() {
	p.integral = 0
}
