// Package api defines the public contracts of the atelier orchestration
// engine: workflow runs and their status lifecycle, pipeline and stage
// definitions, stage events, the provider capability, the observer interface,
// and the error taxonomy.
//
// Most applications import the root atelier package, which re-exports the
// commonly used names; api exists so lower-level integrations (custom
// providers, observers, artifact sinks) have a dependency-free surface.
package api
