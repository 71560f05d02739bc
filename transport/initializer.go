package transport

import "github.com/ggoodman/gatewaycore/session"

// SessionInitializer prepares a freshly created session before it is opened,
// typically by adding filters to its pipeline.
type SessionInitializer func(s *session.Session) error

// ComposeInitializers runs each non-nil initializer in order and stops at the
// first error.
func ComposeInitializers(inits ...SessionInitializer) SessionInitializer {
	var list []SessionInitializer
	for _, init := range inits {
		if init != nil {
			list = append(list, init)
		}
	}
	return func(s *session.Session) error {
		for _, init := range list {
			if err := init(s); err != nil {
				return err
			}
		}
		return nil
	}
}
