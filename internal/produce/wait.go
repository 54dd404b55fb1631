package produce

import "time"

func waitDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
