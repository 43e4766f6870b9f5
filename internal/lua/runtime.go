package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
)

// Engine is the part of the motion session a recipe may drive.
type Engine interface {
	Start(plan models.CyclePlan, trigger models.Trigger) (*session.Run, error)
	Stop() bool
	Status() session.Snapshot
}

// ErrAborted is returned when a recipe calls abort().
var ErrAborted = errors.New("recipe aborted")

// Runtime executes Lua feed recipes in a sandboxed environment
type Runtime struct {
	engine   Engine
	defaults models.CyclePlan
	now      func() time.Time

	ctx   context.Context
	logs  []string
	feeds []*models.FeedRecord

	abortReason string
	isAborted   bool
}

// NewRuntime creates a runtime; defaults fill feed{} fields a recipe omits.
func NewRuntime(engine Engine, defaults models.CyclePlan) *Runtime {
	return &Runtime{
		engine:   engine,
		defaults: defaults,
		now:      time.Now,
		logs:     make([]string, 0),
	}
}

// Execute loads scriptPath and calls its recipe(ctx) function.
func (r *Runtime) Execute(ctx context.Context, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	return r.ExecuteString(ctx, string(script))
}

func (r *Runtime) ExecuteString(ctx context.Context, script string) error {
	r.ctx = ctx

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	recipe := L.GetGlobal("recipe")
	if recipe.Type() != lua.LTFunction {
		return fmt.Errorf("script must define a 'recipe' function")
	}

	L.Push(recipe)
	L.Push(r.contextTable(L))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isAborted {
			return fmt.Errorf("%w: %s", ErrAborted, r.abortReason)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("recipe execution failed: %w", err)
	}
	if r.isAborted {
		return fmt.Errorf("%w: %s", ErrAborted, r.abortReason)
	}
	return nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("feed", L.NewFunction(r.luaFeed))
	L.SetGlobal("stop", L.NewFunction(r.luaStop))
	L.SetGlobal("status", L.NewFunction(r.luaStatus))
	L.SetGlobal("sleep", L.NewFunction(r.luaSleep))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("abort", L.NewFunction(r.luaAbort))
}

// contextTable is the argument passed to recipe(ctx).
func (r *Runtime) contextTable(L *lua.LState) *lua.LTable {
	now := r.now()
	tbl := L.NewTable()
	L.SetField(tbl, "steps", lua.LNumber(r.defaults.TotalSteps))
	L.SetField(tbl, "stutter", lua.LBool(r.defaults.Stutter))
	L.SetField(tbl, "forward", lua.LNumber(r.defaults.CycleForward))
	L.SetField(tbl, "backward", lua.LNumber(r.defaults.CycleBackward))
	L.SetField(tbl, "hour", lua.LNumber(now.Hour()))
	L.SetField(tbl, "minute", lua.LNumber(now.Minute()))
	L.SetField(tbl, "weekday", lua.LString(now.Weekday().String()))
	return tbl
}

// planFromTable reads feed{steps=, stutter=, forward=, backward=, direction=}.
func (r *Runtime) planFromTable(L *lua.LState, tbl *lua.LTable) (models.CyclePlan, error) {
	plan := r.defaults
	if tbl == nil {
		return plan, plan.Validate()
	}
	if v, ok := tbl.RawGetString("steps").(lua.LNumber); ok {
		plan.TotalSteps = int(v)
	}
	stutter, stutterSet := tbl.RawGetString("stutter").(lua.LBool)
	if stutterSet {
		plan.Stutter = bool(stutter)
	}
	if v, ok := tbl.RawGetString("forward").(lua.LNumber); ok {
		plan.CycleForward = int(v)
	}
	if v, ok := tbl.RawGetString("backward").(lua.LNumber); ok {
		plan.CycleBackward = int(v)
	}
	if v, ok := tbl.RawGetString("direction").(lua.LString); ok {
		dir, err := models.ParseDirection(string(v))
		if err != nil {
			return plan, err
		}
		plan.Direction = dir
		if dir == models.Reverse && !stutterSet {
			plan.Stutter = false
		}
	}
	return plan, plan.Validate()
}

// luaFeed implements feed(opts?): starts a run, waits for it and returns
// {id=, reason=, steps=, error=}.
func (r *Runtime) luaFeed(L *lua.LState) int {
	plan, err := r.planFromTable(L, L.OptTable(1, nil))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}

	run, err := r.engine.Start(plan, models.TriggerScript)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	debug.LogKV("lua", "recipe feed started", "run_id", run.ID, "plan", plan)

	rec, err := run.Wait(r.ctx)
	if err != nil {
		// script cancelled: stop the motor and wait for the coils to be released
		r.engine.Stop()
		rec, _ = run.Wait(context.Background())
		if rec != nil {
			r.feeds = append(r.feeds, rec)
		}
		L.RaiseError("feed interrupted: %v", err)
		return 0
	}
	r.feeds = append(r.feeds, rec)

	L.Push(r.recordToTable(L, rec))
	return 1
}

func (r *Runtime) recordToTable(L *lua.LState, rec *models.FeedRecord) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LNumber(rec.ID))
	L.SetField(tbl, "reason", lua.LString(rec.Reason))
	L.SetField(tbl, "steps", lua.LNumber(rec.StepsMoved))
	if rec.Error != "" {
		L.SetField(tbl, "error", lua.LString(rec.Error))
	}
	return tbl
}

// luaStop implements stop(); returns whether a run was signalled
func (r *Runtime) luaStop(L *lua.LState) int {
	L.Push(lua.LBool(r.engine.Stop()))
	return 1
}

// luaStatus implements status() -> {status=, run_id=, steps_moved=}
func (r *Runtime) luaStatus(L *lua.LState) int {
	snap := r.engine.Status()
	tbl := L.NewTable()
	L.SetField(tbl, "status", lua.LString(snap.Status))
	L.SetField(tbl, "run_id", lua.LNumber(snap.RunID))
	L.SetField(tbl, "steps_moved", lua.LNumber(snap.StepsMoved))
	L.Push(tbl)
	return 1
}

// luaSleep implements sleep(ms)
func (r *Runtime) luaSleep(L *lua.LState) int {
	ms := L.CheckInt(1)
	if ms <= 0 {
		return 0
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
		L.RaiseError("sleep interrupted: %v", r.ctx.Err())
	}
	return 0
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	debug.LogKV("lua", "recipe log", "message", message)
	return 0
}

// luaAbort implements abort(reason?)
func (r *Runtime) luaAbort(L *lua.LState) int {
	r.abortReason = L.OptString(1, "recipe aborted")
	r.isAborted = true
	L.RaiseError("abort: %s", r.abortReason)
	return 0
}

// GetLogs returns the logs collected during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// Feeds returns the records of every run the recipe started.
func (r *Runtime) Feeds() []*models.FeedRecord {
	return r.feeds
}

// IsRecipe checks if a file is a Lua recipe
func IsRecipe(path string) bool {
	return filepath.Ext(path) == ".lua"
}
