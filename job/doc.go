// Package job defines the unit of work carried by the queue.
//
// A job travels as a JSON envelope naming its kind and its properties:
//
//	{"class": "SendInvoice", "props": {"invoice_id": 42}}
//
// Workers turn the kind back into a value through a Registry, so only
// kinds registered up front can ever be executed.
//
// Example usage:
//
//	registry := job.NewRegistry()
//	job.MustRegisterType[SendInvoice](registry, "SendInvoice")
//
//	env, err := job.Decode(body)
//	j, err := registry.New(env)
//	err = j.Execute(ctx, handle)
package job
