package apartment

import "context"

type ctxKey struct{}

type binding struct {
	apt    *Apartment
	inCall bool
}

// Context binds a MultiThread apartment to ctx. SingleThread apartments are
// only entered through Do or an incoming call, so ctx is returned unchanged.
func (a *Apartment) Context(ctx context.Context) context.Context {
	if a.cfg.Model == SingleThread {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, binding{apt: a})
}

func (a *Apartment) bind(ctx context.Context, inCall bool) context.Context {
	return context.WithValue(ctx, ctxKey{}, binding{apt: a, inCall: inCall})
}

// Current returns the apartment the caller runs in, or nil. A SingleThread
// apartment is only reported on its own thread.
func Current(ctx context.Context) *Apartment {
	b, ok := ctx.Value(ctxKey{}).(binding)
	if !ok {
		return nil
	}
	if b.apt.cfg.Model == SingleThread && !b.apt.onThread() {
		return nil
	}
	return b.apt
}

// InCall reports whether ctx belongs to an incoming call being served.
func InCall(ctx context.Context) bool {
	b, ok := ctx.Value(ctxKey{}).(binding)
	return ok && b.inCall
}

// await blocks until ch yields. A SingleThread caller keeps serving its own
// queue meanwhile so calls back into it cannot deadlock.
func await[T any](ctx context.Context, ch <-chan T) (T, error) {
	if cur := Current(ctx); cur != nil && cur.cfg.Model == SingleThread {
		return modal(ctx, cur, ch)
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func modal[T any](ctx context.Context, a *Apartment, ch <-chan T) (T, error) {
	var zero T
	a.depth++
	defer func() { a.depth-- }()
	for {
		select {
		case v := <-ch:
			return v, nil
		case req := <-a.queue:
			a.serve(req)
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-a.quit:
			select {
			case v := <-ch:
				return v, nil
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
}
