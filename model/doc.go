// Package model provides a declarative model layer over hosted NoSQL
// document stores: typed properties, hierarchical keys, queries and
// transactions, backed by a pluggable storage Adapter.
//
// Arbor never returns stale data from its optional caching layer and keeps
// batch results aligned with their inputs. The package is the core of the
// library; concrete backends live under adapter/.
//
// # Keys
//
// Entities are addressed by hierarchical, immutable [Key] values:
//
//	key := model.IDKey("Account", 42, nil)
//	child := model.NameKey("Invoice", "2024-001", key)
//
// A key without a terminal id is incomplete and is completed by the backend
// on first put.
//
// # Models
//
// A model is a named schema registered once per kind:
//
//	Account := model.Register(model.Definition{
//	    Kind: "Account",
//	    Properties: []model.Property{
//	        model.String("email", model.StringOpts{Opts: model.Opts{Indexed: true}}),
//	        model.DateTime("created_at", model.DateTimeOpts{AutoNowAdd: true}),
//	    },
//	})
//
//	acct := Account.New()
//	if err := acct.Set("email", "jane@example.com"); err != nil { ... }
//	if err := acct.Put(ctx); err != nil { ... }
//
// Registering two models for one kind panics, as do other definition-time
// mistakes (indexed blob properties, invalid compression levels).
// Value-level problems are returned as errors.
//
// # Polymorphism
//
// Models registered with a polymorphic root share the root's storage kind
// and persist their class chain in a reserved field, so querying a base
// model yields correctly-typed leaf entities. The reserved field name is
// not public schema.
//
// # Queries
//
// [Query] is an immutable value; every derivation returns a copy:
//
//	q := Account.Query().Where("email", model.Equal, "jane@example.com").WithLimit(1)
//	rs := q.Run()
//	for rs.Next(ctx) { ... }
//
// # Transactions
//
// [RunInTransaction] retries the function on commit conflicts and scopes the
// transaction stack to the context it passes to the function. Nested
// transactions join the innermost open transaction; independent ones always
// commit or roll back on their own.
package model
