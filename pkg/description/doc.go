// Package description loads experiment descriptions from YAML, JSON or CUE
// files and turns them into controller designs.
//
// Resources are referenced by name inside a file:
//
//	name: ping
//	resources:
//	  - name: node
//	    type: linux::Node
//	    attributes:
//	      hostname: 10.0.0.1
//	  - name: app
//	    type: linux::Application
//	    connections: [node]
//	    attributes:
//	      command: ping -c 3 10.0.0.2
//
// CUE files are checked against a schema before decoding, so errors carry
// file positions.
package description
