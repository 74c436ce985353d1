package runtime

import (
	"context"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	gshost "github.com/shirou/gopsutil/v4/host"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/hivedesk/internal/extension/luavm"
	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// platformMeta is the narrow host metadata surface exposed to extensions:
// platform name, version and architecture, nothing else. Resolved once
// per process.
type platformMeta struct {
	name    string
	version string
	arch    string
}

var (
	platformOnce sync.Once
	platform     platformMeta
)

func platformInfo() platformMeta {
	platformOnce.Do(func() {
		platform = platformMeta{name: goruntime.GOOS, arch: goruntime.GOARCH}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if info, err := gshost.InfoWithContext(ctx); err == nil {
			if info.Platform != "" {
				platform.name = info.Platform
			}
			platform.version = info.PlatformVersion
		}
	})
	return platform
}

// installEnvironment injects the restricted environment into a fresh VM:
// a console routed to the host logger, and the capability-gated host
// module tree. Runs on the executor goroutine during Initialize.
func (c *ExecutionContext) installEnvironment(s *luavm.State) {
	c.installConsole(s)

	s.PreloadModule("host", c.hostLoader)
	s.PreloadModule("host.timer", c.timerLoader)
	s.PreloadModule("host.actions", c.actionsLoader)
	s.PreloadModule("host.events", c.eventsLoader)
	s.PreloadModule("host.settings", c.settingsLoader)
	s.PreloadModule("host.net", c.netLoader)
	s.PreloadModule("host.cache", c.cacheLoader)
}

// installConsole replaces print and provides a console table. All output
// flows to the host logger tagged with the installation; extensions never
// write to the process's stdout.
func (c *ExecutionContext) installConsole(s *luavm.State) {
	L := s.L

	logAt := func(level string) lua.LGFunction {
		return func(L *lua.LState) int {
			c.charge()
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.Get(i).String())
			}
			msg := strings.Join(parts, " ")
			switch level {
			case "debug":
				c.logger.Debug(msg, "channel", "console")
			case "warn":
				c.logger.Warn(msg, "channel", "console")
			case "error":
				c.logger.Error(msg, "channel", "console")
			default:
				c.logger.Info(msg, "channel", "console")
			}
			return 0
		}
	}

	console := L.NewTable()
	L.SetField(console, "log", L.NewFunction(logAt("info")))
	L.SetField(console, "info", L.NewFunction(logAt("info")))
	L.SetField(console, "debug", L.NewFunction(logAt("debug")))
	L.SetField(console, "warn", L.NewFunction(logAt("warn")))
	L.SetField(console, "error", L.NewFunction(logAt("error")))
	L.SetGlobal("console", console)
	L.SetGlobal("print", L.NewFunction(logAt("info")))
}

// hostLoader provides the root host module: platform metadata plus the
// submodules under their short names.
func (c *ExecutionContext) hostLoader(L *lua.LState) int {
	mod := L.NewTable()

	meta := platformInfo()
	plat := L.NewTable()
	L.SetField(plat, "os", lua.LString(meta.name))
	L.SetField(plat, "version", lua.LString(meta.version))
	L.SetField(plat, "arch", lua.LString(meta.arch))
	L.SetField(mod, "platform", plat)

	L.SetField(mod, "plugin_id", lua.LString(c.pluginID))
	L.SetField(mod, "installation_id", lua.LString(c.installationID))

	L.Push(mod)
	return 1
}

// timerLoader provides set/clear. Delays are capped at the sandbox
// timeout ceiling; pending timers are cancelled wholesale on destroy.
func (c *ExecutionContext) timerLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		fn := L.CheckFunction(1)
		millis := L.CheckNumber(2)
		id := c.addTimer(time.Duration(float64(millis))*time.Millisecond, fn)
		L.Push(lua.LNumber(id))
		return 1
	}))

	L.SetField(mod, "clear", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		id := int(L.CheckNumber(1))
		c.clearTimer(id)
		return 0
	}))

	L.Push(mod)
	return 1
}

// actionsLoader provides action registration, gated by the actions
// permission.
func (c *ExecutionContext) actionsLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "register", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		if !c.host.HasPermission(manifest.PermissionActions) {
			L.RaiseError("action registration requires the actions permission")
			return 0
		}
		c.registerAction(name, fn)
		return 0
	}))

	L.Push(mod)
	return 1
}

// eventsLoader provides bus access. Emit denials are silent and surface
// only as a false return; subscribe denials are errors the extension can
// branch on.
func (c *ExecutionContext) eventsLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "emit", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		eventType := L.CheckString(1)
		var payload any
		if L.GetTop() >= 2 {
			payload = luavm.ToGo(L.Get(2))
		}
		L.Push(lua.LBool(c.host.EmitEvent(eventType, payload)))
		return 1
	}))

	L.SetField(mod, "on", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		pattern := L.CheckString(1)
		fn := L.CheckFunction(2)
		id, err := c.host.SubscribeEvent(pattern, func(eventType string, payload any) {
			c.deliverEvent(fn, eventType, payload)
		})
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		c.trackSubscription(id)
		L.Push(lua.LString(id))
		return 1
	}))

	L.SetField(mod, "off", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		id := L.CheckString(1)
		c.host.UnsubscribeEvent(id)
		return 0
	}))

	L.Push(mod)
	return 1
}

// settingsLoader provides the namespaced settings surface, gated by the
// settings permission.
func (c *ExecutionContext) settingsLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		path := L.CheckString(1)
		if !c.host.HasPermission(manifest.PermissionSettings) {
			L.RaiseError("settings access requires the settings permission")
			return 0
		}
		v, ok := c.host.GetSetting(path)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(luavm.ToLua(L, v))
		return 1
	}))

	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		path := L.CheckString(1)
		value := luavm.ToGo(L.Get(2))
		if !c.host.HasPermission(manifest.PermissionSettings) {
			L.RaiseError("settings access requires the settings permission")
			return 0
		}
		if err := c.host.SetSetting(path, value); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.Push(mod)
	return 1
}

// cacheLoader exposes the session-scoped cache. Contents live only as
// long as the execution context.
func (c *ExecutionContext) cacheLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		key := L.CheckString(1)
		v, ok := c.host.CacheGet(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(luavm.ToLua(L, v))
		return 1
	}))

	L.SetField(mod, "put", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		key := L.CheckString(1)
		c.host.CachePut(key, luavm.ToGo(L.Get(2)))
		return 0
	}))

	L.Push(mod)
	return 1
}

// netLoader exposes the mediation check so extensions can check whether a
// reference would be allowed before handing it to a host-side fetch.
func (c *ExecutionContext) netLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "allowed", L.NewFunction(func(L *lua.LState) int {
		c.charge()
		rawURL := L.CheckString(1)
		if err := c.host.CheckOutbound(rawURL); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.Push(mod)
	return 1
}
