package core

import "net/http"

// applyShutdownGuard returns a Failure when the server is draining. Only new
// acquisitions are refused; holders keep renewing and releasing.
func (s *Service) applyShutdownGuard() error {
	if s == nil || s.shutdownState == nil {
		return nil
	}
	state := s.shutdownState()
	if !state.Draining {
		return nil
	}
	retry := durationToSeconds(state.Remaining)
	if retry <= 0 {
		retry = 1
	}
	return Failure{
		Code:       CodeShutdownDraining,
		Detail:     "server is draining; retry against another instance",
		RetryAfter: retry,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}
