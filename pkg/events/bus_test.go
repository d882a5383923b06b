package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_AllObservesEveryEmitter(t *testing.T) {
	bus := NewBus()
	nums := NewEmitter[int](bus, "num")
	words := NewEmitter[string](bus, "word")

	type seen struct {
		event   string
		payload any
	}
	var got []seen
	_, err := bus.All(func(event string, payload any) error {
		got = append(got, seen{event, payload})
		return nil
	})
	require.NoError(t, err)

	nums.Emit(7)
	words.Emit("hello")

	require.Len(t, got, 2)
	assert.Equal(t, seen{"num", 7}, got[0])
	assert.Equal(t, seen{"word", "hello"}, got[1])
}

func TestBus_AllErrorsCollectedByEmit(t *testing.T) {
	bus := NewBus()
	nums := NewEmitter[int](bus, "num")
	_, err := bus.All(func(string, any) error { return errors.New("observer failed") })
	require.NoError(t, err)

	errs := nums.Emit(1)
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "observer failed")
}

func TestBus_AllDuringEmissionFails(t *testing.T) {
	bus := NewBus()
	nums := NewEmitter[int](bus, "num")
	var subErr error
	_, err := nums.On(func(int) error {
		_, subErr = bus.All(func(string, any) error { return nil })
		return nil
	})
	require.NoError(t, err)

	nums.Emit(1)
	require.Error(t, subErr)
}

func TestBus_AllFromOtherGoroutineDuringEmission(t *testing.T) {
	bus := NewBus()
	nums := NewEmitter[int](bus, "num")
	emitting := make(chan struct{})
	release := make(chan struct{})
	_, err := nums.On(func(int) error {
		close(emitting)
		<-release
		return nil
	})
	require.NoError(t, err)

	done := make(chan []error, 1)
	go func() { done <- nums.Emit(1) }()
	<-emitting

	_, err = bus.All(func(string, any) error { return nil })
	assert.NoError(t, err)

	close(release)
	assert.Empty(t, <-done)
}

func TestBus_DuplicateEmitterPanics(t *testing.T) {
	bus := NewBus()
	NewEmitter[int](bus, "num")
	assert.Panics(t, func() { NewEmitter[string](bus, "num") })
}

func TestBus_EmitAny(t *testing.T) {
	bus := NewBus()
	nums := NewEmitter[int](bus, "num")
	var got int
	_, err := nums.On(func(v int) error {
		got = v
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, bus.EmitAny("num", 9))
	assert.Equal(t, 9, got)
}

func TestBus_EmitAny_UnknownEmitter(t *testing.T) {
	bus := NewBus()
	errs := bus.EmitAny("nope", 1)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `no emitter named "nope"`)
}

func TestBus_EmitAny_WrongPayloadType(t *testing.T) {
	bus := NewBus()
	NewEmitter[int](bus, "num")
	errs := bus.EmitAny("num", "not a number")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "does not match")
}

func TestPipe_PassForwardsNamedEvents(t *testing.T) {
	src := NewBus()
	nums := NewEmitter[int](src, "num")
	words := NewEmitter[string](src, "word")

	var got []int
	dst := src.Pipe(func(p *Pipe) {
		derived := NewEmitter[int](p.Dst(), "num")
		_, err := derived.On(func(v int) error {
			got = append(got, v)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, p.Pass("num"))
	})
	require.NotNil(t, dst)

	nums.Emit(1)
	words.Emit("ignored")
	nums.Emit(2)
	assert.Equal(t, []int{1, 2}, got)
}

func TestPipe_OnAndEmitTransform(t *testing.T) {
	src := NewBus()
	nums := NewEmitter[int](src, "num")

	var got []string
	src.Pipe(func(p *Pipe) {
		doubled := NewEmitter[string](p.Dst(), "doubled")
		_, err := doubled.On(func(v string) error {
			got = append(got, v)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, p.On("num", func(payload any) error {
			v := payload.(int)
			if v%2 != 0 {
				return nil
			}
			return p.Emit("doubled", "even")
		}))
	})

	nums.Emit(1)
	nums.Emit(2)
	assert.Equal(t, []string{"even"}, got)
}
