package tracking

// KalmanFilter is a 2D constant-velocity filter over an object's box center.
// It advances by a fixed per-frame timestep so that tracking behavior is
// reproducible for a given detection sequence, independent of wall-clock
// scheduling jitter in the stream loop.
type KalmanFilter struct {
	// State vector [x, y, vx, vy]
	state [4]float64
	// Covariance matrix
	P [4][4]float64
	// Process noise
	Q [4][4]float64
	// Measurement noise
	R [2][2]float64
	// Per-frame timestep in seconds
	dt          float64
	initialized bool
}

// NewKalmanFilter creates a filter stepping dt seconds per frame.
func NewKalmanFilter(dt float64) *KalmanFilter {
	if dt <= 0 {
		dt = 1.0 / 30.0
	}
	kf := &KalmanFilter{dt: dt}

	for i := 0; i < 4; i++ {
		kf.P[i][i] = 1000.0 // High initial uncertainty
	}

	q := 0.1 // Process noise scale
	kf.Q = [4][4]float64{
		{q * dt * dt * dt * dt / 4, 0, q * dt * dt * dt / 2, 0},
		{0, q * dt * dt * dt * dt / 4, 0, q * dt * dt * dt / 2},
		{q * dt * dt * dt / 2, 0, q * dt * dt, 0},
		{0, q * dt * dt * dt / 2, 0, q * dt * dt},
	}

	kf.R = [2][2]float64{
		{10.0, 0},
		{0, 10.0},
	}

	return kf
}

// Update folds in a new center measurement and returns the filtered position.
func (kf *KalmanFilter) Update(x, y float64) (float64, float64) {
	if !kf.initialized {
		kf.state = [4]float64{x, y, 0, 0}
		kf.initialized = true
		return x, y
	}

	dt := kf.dt

	// Predict step
	F := [4][4]float64{
		{1, 0, dt, 0},
		{0, 1, 0, dt},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}

	newState := [4]float64{
		kf.state[0] + kf.state[2]*dt,
		kf.state[1] + kf.state[3]*dt,
		kf.state[2],
		kf.state[3],
	}

	newP := kf.predictCovariance(F)

	// Update step
	H := [2][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
	}

	innovation := [2]float64{
		x - newState[0],
		y - newState[1],
	}

	S := kf.innovationCovariance(H, newP)
	K := kf.kalmanGain(H, newP, S)

	for i := 0; i < 4; i++ {
		kf.state[i] = newState[i] + K[0][i]*innovation[0] + K[1][i]*innovation[1]
	}

	kf.updateCovariance(K, H, newP)

	return kf.state[0], kf.state[1]
}

// Predict returns the expected position one frame ahead of the current state.
func (kf *KalmanFilter) Predict() (float64, float64) {
	if !kf.initialized {
		return 0, 0
	}
	return kf.state[0] + kf.state[2]*kf.dt, kf.state[1] + kf.state[3]*kf.dt
}

func (kf *KalmanFilter) predictCovariance(F [4][4]float64) [4][4]float64 {
	var newP [4][4]float64

	// P = F * P * F' + Q
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				for l := 0; l < 4; l++ {
					sum += F[i][k] * kf.P[k][l] * F[j][l]
				}
			}
			newP[i][j] = sum + kf.Q[i][j]
		}
	}

	return newP
}

func (kf *KalmanFilter) innovationCovariance(H [2][4]float64, P [4][4]float64) [2][2]float64 {
	var S [2][2]float64

	// S = H * P * H' + R
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				for l := 0; l < 4; l++ {
					sum += H[i][k] * P[k][l] * H[j][l]
				}
			}
			S[i][j] = sum + kf.R[i][j]
		}
	}

	return S
}

func (kf *KalmanFilter) kalmanGain(H [2][4]float64, P [4][4]float64, S [2][2]float64) [2][4]float64 {
	var K [2][4]float64

	// K = P * H' * inv(S)
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				for l := 0; l < 2; l++ {
					sum += P[j][k] * H[l][k] * (1.0 / S[i][i])
				}
			}
			K[i][j] = sum
		}
	}

	return K
}

func (kf *KalmanFilter) updateCovariance(K [2][4]float64, H [2][4]float64, P [4][4]float64) {
	// P = (I - K*H) * P
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			sum := 0.0
			for k := 0; k < 2; k++ {
				for l := 0; l < 4; l++ {
					sum += K[k][i] * H[k][l] * P[l][j]
				}
			}
			kf.P[i][j] = P[i][j] - sum
		}
	}
}
