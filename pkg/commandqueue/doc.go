// Package commandqueue runs tasks in named lanes. Each lane is FIFO with
// its own concurrency limit, and separate lanes run independently.
//
// The engine uses one lane per process, named "<agent type>/<process id>",
// so dispatches to the same process are serialized. Such lanes are created
// on first use and pruned once idle; the main and cron lanes persist.
//
//	q := commandqueue.New(commandqueue.WithLogger(logger))
//	defer q.Close()
//	v, err := q.EnqueueWithContext(ctx, "HelloWorld/p1", task, nil)
package commandqueue
