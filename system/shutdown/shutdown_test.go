package shutdown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_RunsEveryStepInOrder(t *testing.T) {
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func() error {
			order = append(order, name)
			return err
		}}
	}

	mqttErr := errors.New("not connected")
	err := Sequence{
		step("controller", nil),
		step("mqtt", mqttErr),
		{Name: "datadog"},
		step("database", errors.New("already closed")),
	}.Run()

	assert.Equal(t, mqttErr, err)
	assert.Equal(t, []string{"controller", "mqtt", "database"}, order)
}

func TestShutdownWithError_Exits(t *testing.T) {
	code := -1
	orig := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = orig })

	ran := false
	ShutdownWithError(errors.New("boom"), "Failed to start", Sequence{{Name: "db", Fn: func() error {
		ran = true
		return nil
	}}})

	assert.True(t, ran)
	assert.Equal(t, 1, code)
}
