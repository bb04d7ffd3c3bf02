// Package foreign converts the identifiers used by the foreign cluster
// management bus into the listener's own vocabulary.
//
// A Converter maps component xnames such as "x0c0s3b0n0" to cluster locations
// such as "R0-CH0-CN3" and back. Sensor names that embed CPU, channel and DIMM
// numbers extend the node location:
//
//	c.ToLocation("x0c0s1b0n0", "BC_I_NODE1_CPU2_CH1_DIMM3_YY")
//	// R0-CH0-CN1-CPU2-CH1-DIMM3-BC_I_NODE1_CPU2_CH1_DIMM3_YY
//
// The translation map is built in and can be replaced by a
// LocationTranslationMap.json under $XDG_CONFIG_HOME/ucs or /etc/ucs.
package foreign
