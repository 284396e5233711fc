// Package cache implements the segmented disk store behind the video proxy.
// Resources are cut into SliceSize-aligned byte ranges and persisted as
// StoragePath/content/<host>/<url>/<start>_<end> files; response headers live
// next to them under StoragePath/headers/<host>/<url>. New ranges are written
// by a single background writer while the proxy streams the same bytes to the
// client through a PendingQueue and CompositeReader pair. The store keeps the
// content tree under a size budget (trim) and merges short neighbouring
// segments (combine).
package cache
