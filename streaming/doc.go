// Package streaming serves the playback-control channel a sender uses to
// hand a media URL to the receiver instead of streaming the media itself.
//
// The Processor listens on its own port and understands:
//
//	POST /play            Content-Location and Start-Position
//	POST /rate?value=     0 pauses, 1 plays
//	POST /scrub?position= seek, in seconds
//	GET  /scrub           duration and position as text/parameters
//	POST /stop
//	GET  /playback-info   position and rate as a plist
//
// Every request is forwarded to the av.Emitter as a PlaybackEvent; the
// receiver application does the actual playback.
package streaming
