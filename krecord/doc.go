// Package krecord defines the typed data that flows between DAG nodes:
// schemas, field values, records and change operations.
//
// Every edge in a graph is bound to exactly one Schema. Sources emit
// Operations whose records conform to the schema of the output port they
// are emitted on, processors transform them and sinks commit them.
//
//	schema := krecord.Schema{
//		ID: krecord.SchemaID{ID: 1, Version: 1},
//		Fields: []krecord.FieldDefinition{
//			{Name: "id", Type: krecord.FieldTypeInt, PrimaryKey: true},
//			{Name: "val", Type: krecord.FieldTypeString},
//		},
//	}
//	op := krecord.Insert(krecord.NewRecord(schema.ID, krecord.Int(1), krecord.String("a")))
package krecord
