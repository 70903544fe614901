//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/plantsip"

	lua "github.com/yuin/gopher-lua"
)

// registerPlantSipModule registers the `plantsip` global table in a Lua state.
func registerPlantSipModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return plantsipOn(L, vm)
	}))

	mod.RawSetString("water", L.NewFunction(func(L *lua.LState) int {
		return plantsipWater(L, vm, e)
	}))

	mod.RawSetString("set_amount", L.NewFunction(func(L *lua.LState) int {
		return plantsipSetAmount(L, vm, e)
	}))

	mod.RawSetString("moisture", L.NewFunction(func(L *lua.LState) int {
		return plantsipMoisture(L, e)
	}))

	mod.RawSetString("device", L.NewFunction(func(L *lua.LState) int {
		return plantsipDevice(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return plantsipDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return plantsipAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("plantsip", mod)
}

const maxHandlersPerScript = 100

// plantsip.on(type, filter, callback)
func plantsipOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		channel:   -1,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device"); v != lua.LNil {
		h.device = v.String()
	}
	if v, ok := filterTable.RawGetString("channel").(lua.LNumber); ok {
		h.channel = int(v)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// plantsip.water(device, channel [, amount]) -> ok, err
// Without an amount the channel's manual water amount is used.
func plantsipWater(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	channelID := L.CheckInt(2)

	rec := resolveDevice(e, target)
	if rec == nil {
		return pushResult(L, coordinator.ErrUnknownDevice)
	}

	var amount float64
	if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
		amount = float64(L.CheckNumber(3))
	} else {
		ch, ok := rec.Device.Channel(channelID)
		if !ok {
			return pushResult(L, coordinator.ErrUnknownChannel)
		}
		amount = ch.ManualWaterAmount
	}

	ctx, cancel := e.commandContext(vm)
	defer cancel()

	_, err := e.coord.TriggerWatering(ctx, rec.ID(), channelID, amount)
	if err != nil {
		e.logger.Warn("script watering failed", "device", rec.ID(), "channel", channelID, "err", err)
	}
	return pushResult(L, err)
}

// plantsip.set_amount(device, channel, "manual"|"automatic", amount) -> ok, err
func plantsipSetAmount(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	channelID := L.CheckInt(2)
	which := L.CheckString(3)
	amount := float64(L.CheckNumber(4))

	var patch plantsip.ChannelConfigPatch
	switch which {
	case "manual":
		patch.ManualWaterAmount = &amount
	case "automatic":
		patch.AutomaticWaterAmount = &amount
	default:
		L.ArgError(3, `expected "manual" or "automatic"`)
		return 0
	}

	rec := resolveDevice(e, target)
	if rec == nil {
		return pushResult(L, coordinator.ErrUnknownDevice)
	}

	ctx, cancel := e.commandContext(vm)
	defer cancel()

	_, err := e.coord.SetChannelConfig(ctx, rec.ID(), channelID, patch)
	if err != nil {
		e.logger.Warn("script channel update failed", "device", rec.ID(), "channel", channelID, "err", err)
	}
	return pushResult(L, err)
}

// plantsip.moisture(device, channel) -> number or nil
func plantsipMoisture(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	channelID := L.CheckInt(2)

	rec := resolveDevice(e, target)
	if rec == nil || !rec.Available {
		L.Push(lua.LNil)
		return 1
	}
	st, ok := rec.ChannelStatus(channelID)
	if !ok || st.MoistureLevel == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(*st.MoistureLevel))
	return 1
}

// plantsip.device(device) -> table or nil
func plantsipDevice(L *lua.LState, e *Engine) int {
	rec := resolveDevice(e, L.CheckString(1))
	if rec == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(recordTable(L, rec))
	return 1
}

// plantsip.devices() -> array of device tables
func plantsipDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	i := 1
	for _, rec := range e.coord.Snapshot().Records() {
		if rec.Removed {
			continue
		}
		tbl.RawSetInt(i, recordTable(L, rec))
		i++
	}
	L.Push(tbl)
	return 1
}

func recordTable(L *lua.LState, rec *coordinator.DeviceRecord) *lua.LTable {
	d := L.NewTable()
	d.RawSetString("id", lua.LString(rec.ID()))
	d.RawSetString("name", lua.LString(rec.Name()))
	d.RawSetString("available", lua.LBool(rec.Available))

	if rec.Status != nil && rec.Available {
		d.RawSetString("water_level", goToLua(L, rec.Status.WaterLevel))
		d.RawSetString("battery_level", goToLua(L, rec.Status.BatteryLevel))
	}

	channels := L.NewTable()
	for i, ch := range rec.Device.Channels {
		c := L.NewTable()
		c.RawSetString("id", lua.LNumber(ch.ID))
		c.RawSetString("index", lua.LNumber(ch.DisplayIndex))
		c.RawSetString("manual_water_amount", lua.LNumber(ch.ManualWaterAmount))
		c.RawSetString("automatic_water_amount", lua.LNumber(ch.AutomaticWaterAmount))
		if rec.Available {
			if st, ok := rec.ChannelStatus(ch.ID); ok {
				c.RawSetString("moisture", goToLua(L, st.MoistureLevel))
			}
		}
		channels.RawSetInt(i+1, c)
	}
	d.RawSetString("channels", channels)
	return d
}

// plantsip.after(seconds, callback) schedules a callback on the script VM.
func plantsipAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// commandContext bounds an API command by the engine timeout and the VM
// lifetime.
func (e *Engine) commandContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, e.commandTimeout)
}

// pushResult pushes `true` or `false, message`.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// resolveDevice finds a device of the published snapshot by id or,
// case-insensitively, by name. Removed placeholders never resolve.
func resolveDevice(e *Engine, target string) *coordinator.DeviceRecord {
	snap := e.coord.Snapshot()
	if rec, ok := snap.Device(target); ok && !rec.Removed {
		return rec
	}
	for _, rec := range snap.Records() {
		if rec.Removed {
			continue
		}
		if strings.EqualFold(rec.Device.Name, target) || strings.EqualFold(rec.ID(), target) {
			return rec
		}
	}
	return nil
}
