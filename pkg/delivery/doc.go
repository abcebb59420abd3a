// Package delivery feeds configuration blobs into a running engine.
//
// An Inbox watches a directory with fsnotify. Every *.blob file written to
// it is picked up once writes to it have been quiet for the debounce
// period, decoded, checked against the admission policies and handed to the
// engine loop. Files are handled one at a time in arrival order; files
// present when the inbox starts are handled first, in name order.
//
// Handled files are moved to processed/ or failed/ below the inbox. A
// failed file gets a sibling .err file with the reason.
//
// With telemetry in the context every pickup is counted by result, denials
// and rejections are published as events and installs are traced and
// reported through telemetry.TrackInstall.
package delivery
