// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing workflow states and scripted generators.
// They are not intended for production usage.
package testutil
