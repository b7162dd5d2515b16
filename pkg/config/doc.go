// Package config loads the warmpool YAML configuration.
//
// A file is decoded over Default(), so only overrides need to be written.
// The defaults are: task_limit 10, vm_checktime 15 minutes, vm_lifetime 24 hours,
// timeout 15 minutes, data_ttl 168 hours, and the "vmpooler" key namespace.
// Validation uses struct tags from go-playground/validator plus cross-pool checks
// such as unique names and non-colliding aliases.
//
// A minimal file:
//
//	store:
//	  backend: redis
//	  redis:
//	    address: redis:6379
//	pools:
//	  - name: debian-12
//	    alias: debian
//	    provider: libvirt
//	    template: debian-12-template
//	    datastore: default
//	    size: 5
//	    ready_ttl: 60
//
// Watch re-reads the file on change and hands each valid configuration to a
// callback. The callback must treat the value as immutable.
package config
