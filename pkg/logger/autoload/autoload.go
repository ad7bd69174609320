// Package autoload initializes the global logger from the LOG-prefixed
// environment on import. Blank-import it from main.
package autoload

import (
	configx "github.com/ekkle/salesos/pkg/config"
	logx "github.com/ekkle/salesos/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
