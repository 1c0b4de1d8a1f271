package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	type testStruct1 struct{}

	calls := 0
	testWG := sync.WaitGroup{}
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			calls++
			testWG.Done()
			return nil
		},
	}))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: submitted params reach the handler in order
	{
		testWG.Add(2)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
		testWG.Wait()
		assert.Equal(2, calls)
	}

	// Case 2: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		time.Sleep(time.Millisecond * 20)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Millisecond*100)
		assert.NotNil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
	}
}
