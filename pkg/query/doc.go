// Package query coordinates remote fetches and writes on top of a shared
// cache.Store.
//
// A Client wraps one store (and optionally a shared second-level cache) and
// is passed to every coordinator:
//
//   - Query keeps one keyed value fresh with stale-while-revalidate reads.
//   - List is a Query over a paginated, filterable and sortable collection.
//   - Mutation runs a write and invalidates the keys it affects.
//
// Basic usage:
//
//	store := cache.NewStore()
//	client := query.NewClient(store, query.DefaultClientConfig())
//
//	users := query.New(client, cache.GenerateKey("users", nil), fetchUsers,
//	    query.WithTTL[[]User](time.Minute))
//	state := users.Mount(ctx) // cached data, if any; fetch in background
//	unsubscribe := users.Subscribe(render)
//	defer unsubscribe()
//
//	create := query.NewMutation(client, createUser,
//	    query.WithInvalidatePattern[NewUser, User]("^users"))
//	create.Mutate(ctx, NewUser{Name: "Ada"})
//
// Coordinators are safe for concurrent use. Each Query runs at most one fetch
// at a time; independent queries for the same key fetch independently unless
// ClientConfig.CoalesceFetches is set.
package query
