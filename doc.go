// Package guardrail provides schema-driven access control for relational
// data-access clients.
//
// Declarative @@allow and @@deny rules and field-level behaviors (omission,
// one-way hashing, validation) are attached to models in the schema and
// enforced transparently on every create, read, update and delete operation.
// The application never writes manual authorization checks: it talks to an
// enforced client with the same operation surface as the raw one.
//
// # Components
//
// The layer is split across a small set of packages:
//
//   - guardrail (this package): the operation surface (DataSource), the
//     storage-neutral Filter tree, the error surface, and the
//     principal-in-context helpers.
//   - [attr]: the fixed catalog of recognized attributes and their argument
//     signatures.
//   - [schema]: the typed model/field/attribute tree consumed by the
//     compiler.
//   - [schema/load]: the YAML text form of the schema, and a file watcher
//     for recompile-on-change during development.
//   - [expr]: the boolean policy expression language; parser, compile-time
//     checker, and the pure evaluator.
//   - [policy]: the compiler turning schema attributes into ordered policy
//     rules and field behaviors, and the default-deny decision procedure.
//   - [enforce]: the enforcement client wrapping a DataSource.
//   - [memdata], [sqldata]: reference DataSource implementations.
//
// # Usage
//
//	sch, err := load.ParseFile("schema.yaml")
//	bundle, err := policy.Compile(sch, attr.Builtin())
//	client := enforce.NewClient(sqldata.New(db, sqldata.Postgres, sch), bundle)
//
//	ctx := guardrail.WithPrincipal(ctx, userID)
//	bookings, err := client.FindMany(ctx, "Booking", &guardrail.Query{})
//
// Operations without a satisfied allow rule are denied: the layer never
// defaults to open access. Reads return only rows the principal may see;
// denied writes have zero persistence side effects.
package guardrail
