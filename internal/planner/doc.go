// Package planner builds the package dependency graph of a workspace and
// layers it into publish tiers. Packages are held in an arena and referenced
// by index so the graph never owns cyclic pointers.
package planner
