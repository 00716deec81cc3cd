package trajectory

import "math"

// knot is the boundary condition of one joint at one instant.
type knot struct {
	p, v, a float64
}

// quintic is x(s) = c0 + c1 s + ... + c5 s^5 over s in [0, T].
type quintic struct {
	c [6]float64
	t float64
}

// newQuintic fits the unique fifth-order polynomial matching position, velocity and acceleration
// at both ends of a segment of length t seconds.
func newQuintic(from, to knot, t float64) quintic {
	t2 := t * t
	t3 := t2 * t
	t4 := t3 * t
	t5 := t4 * t
	dp := to.p - from.p
	return quintic{
		t: t,
		c: [6]float64{
			from.p,
			from.v,
			from.a / 2,
			(20*dp - (8*to.v+12*from.v)*t - (3*from.a-to.a)*t2) / (2 * t3),
			(-30*dp + (14*to.v+16*from.v)*t + (3*from.a-2*to.a)*t2) / (2 * t4),
			(12*dp - 6*(to.v+from.v)*t - (from.a-to.a)*t2) / (2 * t5),
		},
	}
}

// eval returns position, velocity and acceleration at s, clamped to the segment.
func (q quintic) eval(s float64) (float64, float64, float64) {
	s = math.Max(0, math.Min(s, q.t))
	c := q.c
	p := c[0] + s*(c[1]+s*(c[2]+s*(c[3]+s*(c[4]+s*c[5]))))
	v := c[1] + s*(2*c[2]+s*(3*c[3]+s*(4*c[4]+s*5*c[5])))
	a := 2*c[2] + s*(6*c[3]+s*(12*c[4]+s*20*c[5]))
	return p, v, a
}

// heuristicVelocity picks an interior knot velocity from the slopes of the adjacent segments:
// their mean, or zero where the joint reverses direction.
func heuristicVelocity(prevP, p, nextP, dtPrev, dtNext float64) float64 {
	in := (p - prevP) / dtPrev
	out := (nextP - p) / dtNext
	if in*out <= 0 {
		return 0
	}
	return (in + out) / 2
}
