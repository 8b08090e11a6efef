// Package web serves the spider status pages, the install form and a small
// JSON API over gin.
package web
