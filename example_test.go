package mainloop_test

import (
	"fmt"
	"time"

	mainloop "github.com/joeycumines/go-mainloop"
)

func Example() {
	loop, err := mainloop.New()
	if err != nil {
		panic(err)
	}

	if _, err := loop.AddOnce(0, func() {
		fmt.Println("tick")
		loop.Quit()
	}); err != nil {
		panic(err)
	}
	if err := loop.AddQuit(func() { fmt.Println("bye") }); err != nil {
		panic(err)
	}

	if err := loop.Run(); err != nil {
		panic(err)
	}

	// Output:
	// tick
	// bye
}

func ExampleLoop_AddTimeout() {
	loop, err := mainloop.New()
	if err != nil {
		panic(err)
	}

	fires := 0
	if _, err := loop.AddTimeout(10*time.Millisecond, func() bool {
		fires++
		if fires == 3 {
			loop.Quit()
			return false
		}
		return true
	}); err != nil {
		panic(err)
	}

	if err := loop.Run(); err != nil {
		panic(err)
	}
	fmt.Println("fired", fires, "times")

	// Output:
	// fired 3 times
}

func ExampleLoop_AddFiber() {
	loop, err := mainloop.New()
	if err != nil {
		panic(err)
	}

	if _, err := loop.AddFiber(func(f *mainloop.Fiber) {
		v := f.Await(func(task *mainloop.Task) {
			go task.Done("hello from elsewhere")
		})
		fmt.Println(v)
		loop.Quit()
	}); err != nil {
		panic(err)
	}

	if err := loop.Run(); err != nil {
		panic(err)
	}

	// Output:
	// hello from elsewhere
}
