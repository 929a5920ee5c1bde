package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules defines the engine global: engine.log.{debug,info,warn}
// write to logger.
//
// Precondition: L must be from NewSandboxedState.
func registerModules(L *lua.LState, logger *zap.Logger) {
	engine := L.NewTable()
	logTbl := L.NewTable()
	logFn := func(write func(string, ...zap.Field)) lua.LGFunction {
		return func(L *lua.LState) int {
			write(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}
	}
	L.SetField(logTbl, "debug", L.NewFunction(logFn(logger.Debug)))
	L.SetField(logTbl, "info", L.NewFunction(logFn(logger.Info)))
	L.SetField(logTbl, "warn", L.NewFunction(logFn(logger.Warn)))
	L.SetField(engine, "log", logTbl)
	L.SetGlobal("engine", engine)
}
