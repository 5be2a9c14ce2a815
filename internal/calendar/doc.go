// Package calendar instantiates the offline engine for calendar events.
//
// Events are grouped into sync scopes by calendar: "calendar:<id>", or
// "owner:<o>/group:<g>" for events whose calendar does not exist remotely
// yet. Cached views are keyed by day ("day:2024-03-04") and month
// ("month:2024-03"); "upcoming" is the overview list invalidated after
// every change. A recurring event repeats every Repeat.EveryDays days,
// Repeat.Count times in total.
package calendar
